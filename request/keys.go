package request

import "fmt"

// Well-known attribute bag keys. Keys are namespaced by convention;
// submitted HTTP parameters live under the HTTP_PARAMS prefix, certificate
// sub-items under certinfo.<index>.
const (
	// ParamPrefix namespaces raw submitted values.
	ParamPrefix = "HTTP_PARAMS."

	// KeyCertInfoCount holds the number of certificate sub-items carried
	// by the request.
	KeyCertInfoCount = "certinfo.count"

	// KeySubject is the certificate subject DN.
	KeySubject = "cert.subject"
	// KeyNotBefore and KeyNotAfter bound the certificate validity window
	// (RFC 3339).
	KeyNotBefore = "cert.notBefore"
	KeyNotAfter  = "cert.notAfter"
	// KeySigningAlg is the signing algorithm requested of the signing
	// unit.
	KeySigningAlg = "cert.signingAlg"

	// KeyRevokeReason carries the revocation reason code name.
	KeyRevokeReason = "revoke.reason"
	// KeyRevokeStatus records the revocation outcome on completion.
	KeyRevokeStatus = "revoke.status"

	// KeyError records why the completion of an approved request failed.
	// It is cleared when a later approval drives the request to COMPLETE.
	KeyError = "error"

	// KeyProfileID records which profile populated the request.
	KeyProfileID = "profile.id"

	// KeyArchive marks a request that archives its generated key at the
	// key-recovery peer.
	KeyArchive = "keygen.archive"
)

// Certificate sub-item field names, addressed as certinfo.<index>.<field>.
const (
	CertFieldKeyAlgorithm = "keyAlgorithm"
	CertFieldKeySize      = "keySize"
	CertFieldCurve        = "curve"
	CertFieldExtensions   = "extensions"
)

// CertInfoKey builds the bag key for a certificate sub-item field.
func CertInfoKey(index int, field string) string {
	return fmt.Sprintf("certinfo.%d.%s", index, field)
}
