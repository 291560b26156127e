package hue

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
)

// Expected certificate fields of a Hue bridge.
const (
	certCountry      = "NL"
	certOrganization = "Philips Hue"
	certRootIssuer   = "root-bridge"
)

// checkCertificate verifies that cert was issued to the bridge with id bridgeID.
// Hue bridges present a self-signed (or root-bridge signed) certificate whose
// common name and serial number carry the bridge id.
func checkCertificate(cert *x509.Certificate, bridgeID string) error {
	bridgeID = strings.ToUpper(bridgeID)

	if !hasValue(cert.Subject.Country, certCountry) ||
		!hasValue(cert.Subject.Organization, certOrganization) ||
		strings.ToUpper(cert.Subject.CommonName) != bridgeID {
		return fmt.Errorf("%w: unexpected subject %q", ErrInvalidCertificate, cert.Subject.String())
	}

	if !hasValue(cert.Issuer.Country, certCountry) ||
		!hasValue(cert.Issuer.Organization, certOrganization) ||
		(strings.ToUpper(cert.Issuer.CommonName) != bridgeID && cert.Issuer.CommonName != certRootIssuer) {
		return fmt.Errorf("%w: unexpected issuer %q", ErrInvalidCertificate, cert.Issuer.String())
	}

	if cert.SerialNumber == nil {
		return fmt.Errorf("%w: missing serial number", ErrInvalidCertificate)
	}
	serial := "00" + strings.ToUpper(cert.SerialNumber.Text(16))
	if len(serial) > 16 {
		serial = serial[len(serial)-16:]
	}
	if serial != bridgeID {
		return fmt.Errorf("%w: serial number %s does not match bridge id", ErrInvalidCertificate, serial)
	}
	return nil
}

// Fingerprint returns the SHA-256 fingerprint of cert as colon separated upper-case hex.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.Join(parts, ":")
}

func hasValue(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
