package hue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Known bridge id prefixes (vendor OUIs).
var (
	huePrefixes   = []string{"001788", "ECB5FA"}
	deconzPrefix  = "00212E"
	zeroBridgeID  = "0000000000000000"
	defaultBSB001 = 3
)

// Gateway model classes.
const (
	ModelBSB001   = "BSB001"
	ModelBSB002   = "BSB002"
	ModelDeconz   = "deCONZ"
	ModelHABridge = "HA-Bridge"
	ModelTasmota  = "Tasmota"
)

// Version thresholds of the Hue API that change behaviour.
const (
	minVersionHTTPS   = "1.24.0"
	minVersionNoLink  = "1.31.0"
	minVersionSignify = "1.36.0"
)

const defaultParallelRequests = 10

// BridgeConfig is the subset of the unauthenticated /config used for classification.
type BridgeConfig struct {
	BridgeID      string
	Name          string
	ModelID       string
	APIVersion    string
	SWVersion     string
	WebsocketPort int
	LinkButton    bool
}

// ParseBridgeConfig extracts the classification fields from a /config body.
func ParseBridgeConfig(m map[string]any) BridgeConfig {
	bc := BridgeConfig{
		BridgeID:   strings.ToUpper(stringField(m, "bridgeid")),
		Name:       stringField(m, "name"),
		ModelID:    stringField(m, "modelid"),
		APIVersion: stringField(m, "apiversion"),
		SWVersion:  stringField(m, "swversion"),
	}
	if port, ok := m["websocketport"].(float64); ok {
		bc.WebsocketPort = int(port)
	}
	bc.LinkButton, _ = m["linkbutton"].(bool)
	return bc
}

// Capabilities are the behaviour flags derived from the gateway class.
type Capabilities struct {
	// IsHue is set for Philips/Signify bridges, IsDeconz for deCONZ gateways.
	IsHue    bool
	IsDeconz bool

	// HTTPS is set when the gateway accepts HTTPS with a verifiable certificate.
	HTTPS bool

	// NativeExposure is set when the gateway exposes certified devices natively.
	NativeExposure bool

	// Link is set when the link button state must be reset after a press.
	Link bool

	// LinkButton enables the config poll on each heartbeat.
	LinkButton bool

	// ParallelRequests bounds in-flight requests.
	ParallelRequests int

	// ValidStatusCodes are the HTTP statuses whose bodies are parsed.
	ValidStatusCodes []int

	// WebsocketPort is the event stream port, 0 when the gateway has none.
	WebsocketPort int

	// DefaultUsername is used instead of pairing when set.
	DefaultUsername string
}

// GatewayIdentity is the classification result for one gateway.
// It is immutable once returned.
type GatewayIdentity struct {
	Host         string
	BridgeID     string
	Name         string
	Model        string
	ModelID      string
	Manufacturer string
	APIVersion   string
	Version      string
	Capabilities Capabilities
}

// ClassifyOptions are operator overrides applied during classification.
type ClassifyOptions struct {
	Host string

	// LinkButton forces the link button poll on or off when non-nil.
	LinkButton *bool

	// ParallelRequests overrides the class default when positive.
	ParallelRequests int

	// ForceHTTP disables HTTPS.
	ForceHTTP bool
}

// Classify derives a GatewayIdentity from the gateway's unauthenticated config.
//
// Returns:
//   - ErrGatewayNotReady for an all-zero bridge id
//   - *ClassificationError for unsupported models
func Classify(bc BridgeConfig, opts ClassifyOptions) (*GatewayIdentity, error) {
	id := strings.ToUpper(bc.BridgeID)
	if id == zeroBridgeID {
		return nil, fmt.Errorf("%w: %s reports bridge id %s", ErrGatewayNotReady, opts.Host, id)
	}
	if len(id) < 6 {
		return nil, &ClassificationError{BridgeID: id, ModelID: bc.ModelID}
	}
	prefix := id[:6]
	isHuePrefix := hasValue(huePrefixes, prefix)

	model := bc.ModelID
	switch {
	case model == ModelBSB002 && !isHuePrefix:
		model = ModelHABridge
	case model == "":
		model = ModelTasmota
	}

	ident := &GatewayIdentity{
		Host:       opts.Host,
		BridgeID:   id,
		Name:       bc.Name,
		Model:      model,
		ModelID:    bc.ModelID,
		APIVersion: bc.APIVersion,
		Version:    bc.APIVersion,
		Capabilities: Capabilities{
			ParallelRequests: defaultParallelRequests,
			ValidStatusCodes: []int{200},
			WebsocketPort:    bc.WebsocketPort,
		},
	}
	caps := &ident.Capabilities

	if isHuePrefix {
		caps.HTTPS = versionAtLeast(bc.APIVersion, minVersionHTTPS)
	}
	if prefix == deconzPrefix {
		caps.ValidStatusCodes = []int{200, 400, 403, 404}
	}

	switch model {
	case ModelBSB001, ModelBSB002:
		if model == ModelBSB001 {
			caps.ParallelRequests = defaultBSB001
		}
		caps.IsHue = true
		caps.NativeExposure = model == ModelBSB002
		ident.Manufacturer = "Philips"
		if versionAtLeast(bc.APIVersion, minVersionSignify) {
			ident.Manufacturer = "Signify Netherlands B.V."
		}
		caps.Link = !versionAtLeast(bc.APIVersion, minVersionNoLink)
		caps.LinkButton = caps.Link
	case ModelDeconz:
		caps.IsDeconz = true
		ident.Manufacturer = "dresden elektronik"
		ident.Version = bc.SWVersion
	case ModelHABridge:
		ident.Manufacturer = "HA-Bridge"
	case ModelTasmota:
		ident.Manufacturer = "Sonoff"
		ident.Version = bc.SWVersion
		caps.DefaultUsername = "homebridgehue"
	default:
		return nil, &ClassificationError{BridgeID: id, ModelID: bc.ModelID}
	}

	if opts.LinkButton != nil {
		caps.LinkButton = *opts.LinkButton
	}
	if opts.ParallelRequests > 0 {
		caps.ParallelRequests = opts.ParallelRequests
	}
	if opts.ForceHTTP {
		caps.HTTPS = false
	}
	return ident, nil
}

// versionAtLeast compares dotted API versions. Unparseable versions compare low.
func versionAtLeast(v, min string) bool {
	sv, sm := "v"+v, "v"+min
	if !semver.IsValid(sv) {
		return false
	}
	return semver.Compare(sv, sm) >= 0
}

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	// Client is the transport for the gateway (required).
	Client *Client

	// Classify carries the operator overrides.
	Classify ClassifyOptions

	// StartupRetry is the wait after a transport failure.
	StartupRetry time.Duration

	// ResourceWait is the wait after an all-zero bridge id.
	ResourceWait time.Duration

	Clock  Clock
	Logger Logger
}

// Classifier connects to a gateway and classifies it, retrying until it succeeds.
type Classifier struct {
	logHolder
	opts    ClassifierOptions
	retrier *Retrier
}

// NewClassifier creates a Classifier.
func NewClassifier(opts ClassifierOptions) (*Classifier, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	c := &Classifier{opts: opts}
	c.logger = opts.Logger
	c.retrier = NewRetrier(RetrierOptions{
		Name:   "classify",
		Delay:  opts.StartupRetry,
		Clock:  opts.Clock,
		Logger: opts.Logger,
		Retryable: func(err error) bool {
			return !errors.Is(err, ErrUnknownGateway) && !errors.Is(err, ErrBridgeIDMismatch)
		},
		Backoff: func(err error) time.Duration {
			if errors.Is(err, ErrGatewayNotReady) {
				return opts.ResourceWait
			}
			return 0
		},
	})
	return c, nil
}

// Run fetches the config and classifies the gateway. An uninitialised
// gateway is re-fetched after ResourceWait, unreachable ones after StartupRetry.
// Only an unsupported model or a bridge id mismatch ends the loop with an error.
func (c *Classifier) Run(ctx context.Context) (*GatewayIdentity, error) {
	var ident *GatewayIdentity
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		ident, err = c.opts.Client.Connect(ctx, c.opts.Classify)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logInfo("gateway classified",
		"gateway", ident.Host,
		"bridge_id", ident.BridgeID,
		"model", ident.Model,
		"version", ident.Version,
		"https", ident.Capabilities.HTTPS)
	return ident, nil
}

// Attempts returns the number of connect attempts of the last Run.
func (c *Classifier) Attempts() int {
	return c.retrier.Attempts()
}
