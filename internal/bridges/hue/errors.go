package hue

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Domain errors for the Hue bridge package.
var (
	// ErrTransport is matched by every network-level failure (reset, timeout, refused, bad status).
	ErrTransport = errors.New("hue: transport error")

	// ErrAPI is matched by every structured error record returned by a gateway.
	ErrAPI = errors.New("hue: api error")

	// ErrPairingRequired is returned when the credential is missing or rejected
	// and the operator must press the link button (or unlock the gateway).
	ErrPairingRequired = errors.New("hue: pairing required")

	// ErrUnknownGateway is returned when the gateway model is not supported.
	ErrUnknownGateway = errors.New("hue: unknown gateway")

	// ErrGatewayNotReady is returned when the gateway reports an all-zero bridge id.
	ErrGatewayNotReady = errors.New("hue: gateway not initialised")

	// ErrResolutionIncomplete is returned when a resourcelink references a
	// resource that is not yet present in the fetched state.
	ErrResolutionIncomplete = errors.New("hue: resolution incomplete")

	// ErrInvalidCertificate is returned when the gateway certificate does not
	// carry the expected subject, issuer or serial number.
	ErrInvalidCertificate = errors.New("hue: invalid certificate")

	// ErrFingerprintMismatch is returned when the certificate fingerprint
	// differs from the pinned one.
	ErrFingerprintMismatch = errors.New("hue: certificate fingerprint mismatch")

	// ErrBridgeIDMismatch is returned when a host answers with a different bridge id than expected.
	ErrBridgeIDMismatch = errors.New("hue: bridge id mismatch")

	// ErrInvalidPath is returned when a resource path cannot be parsed.
	ErrInvalidPath = errors.New("hue: invalid resource path")

	// ErrNotConnected is returned when an operation needs a classified gateway.
	ErrNotConnected = errors.New("hue: gateway not connected")

	// ErrDuplicateGateway is returned when a bridge id is already served by another host.
	ErrDuplicateGateway = errors.New("hue: gateway already exposed")
)

// API error types with special meaning.
const (
	apiErrorUnauthorized = 1
	apiErrorLinkButton   = 101
)

// TransportError describes a request that failed below the API level.
type TransportError struct {
	Seq      uint64
	Method   string
	Resource string
	Status   int // HTTP status, 0 when no response was received
	Err      error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "hue: request %d: %s %s", e.Seq, e.Method, e.Resource)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": http status %d", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Temporary reports whether the request may succeed when resent:
// connection resets, timeouts and 503 (gateway busy) responses.
func (e *TransportError) Temporary() bool {
	if e.Status == 503 {
		return true
	}
	if errors.Is(e.Err, syscall.ECONNRESET) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// APIError is one error record from a gateway response.
type APIError struct {
	Type        int    `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hue: api error %d: %s: %s", e.Type, e.Address, e.Description)
}

// Is reports whether target is ErrAPI, or ErrPairingRequired for
// unauthorized-user and link-button errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAPI:
		return true
	case ErrPairingRequired:
		return e.Type == apiErrorUnauthorized || e.Type == apiErrorLinkButton
	}
	return false
}

// ClassificationError is returned for a gateway whose model is not supported.
type ClassificationError struct {
	BridgeID string
	ModelID  string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("hue: unknown gateway %s model %q", e.BridgeID, e.ModelID)
}

// Is reports whether target is ErrUnknownGateway.
func (e *ClassificationError) Is(target error) bool { return target == ErrUnknownGateway }

// ResolutionIncompleteError names the resourcelink entry that references a missing resource.
type ResolutionIncompleteError struct {
	Link string
	Path ResourcePath
}

func (e *ResolutionIncompleteError) Error() string {
	return fmt.Sprintf("hue: %s: %s: resource not found", e.Link, e.Path)
}

// Is reports whether target is ErrResolutionIncomplete.
func (e *ResolutionIncompleteError) Is(target error) bool { return target == ErrResolutionIncomplete }
