package hubclient

import (
	"crypto/tls"
	"crypto/x509"
	"log"

	"github.com/edgewan/agentcore/pkg/model"
)

// buildTLSConfig applies the precedence rule of spec.md §4.3: insecure
// wins outright; otherwise a supplied CA pins trust; otherwise the client
// degrades to insecure and logs it.
func buildTLSConfig(policy model.TLSPolicy) *tls.Config {
	if policy.Insecure {
		return &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	if len(policy.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(policy.CAPEM) {
			return &tls.Config{RootCAs: pool}
		}
		log.Printf("hubclient: CA pem did not parse, degrading to insecure TLS")
	} else {
		log.Printf("hubclient: no CA pem configured, degrading to insecure TLS")
	}
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec
}
