package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/jmcleod/certforge/internal/util"
	"github.com/jmcleod/certforge/request"
)

// Wire field names for the key-generation protocol. Requests and
// responses are URL-encoded key/value pairs.
const (
	wireCorrelationID = "requestId"
	wireUserID        = "userId"
	wireSessionKey    = "wrappedSessionKey"
	wireArchive       = "archive"
	wireKeyType       = "keyType"
	wireKeySize       = "keySize"
	wireCurve         = "curve"

	wireStatus     = "status"
	wireWrappedKey = "wrappedPrivateKey"
	wireIV         = "iv"
	wirePublicKey  = "publicKey"
)

// Bag keys the key-generation response is merged under. All four are
// single-delivery secrets: returned to the caller exactly once, then
// overwritten and deleted before the final commit.
const (
	KeyWrappedPrivate  = "keygen.wrappedPrivate"
	KeyIV              = "keygen.iv"
	KeyPublic          = "keygen.public"
	KeySessionMaterial = "keygen.sessionKey"
)

// Peer wire status sentinels. The peer uses an inverted convention: "1"
// means success on the wire, while 0 means success in the local status
// field. The mapping is applied explicitly, never assumed identical.
const (
	wireStatusSuccess = "1"

	// StatusSuccess and StatusFailure are the local status values.
	StatusSuccess = 0
	StatusFailure = 1
)

// mapWireStatus converts the peer's wire status into the local
// convention.
func mapWireStatus(wire string) (int, error) {
	if wire == "" {
		return StatusFailure, fmt.Errorf("%w: peer response has no status field", ErrProtocol)
	}
	if wire == wireStatusSuccess {
		return StatusSuccess, nil
	}
	return StatusFailure, nil
}

// supportedCurves are the named curves the engine will relay to the peer.
// Anything else is rejected locally before any remote call.
var supportedCurves = map[string]bool{
	"nistp256": true,
	"nistp384": true,
	"nistp521": true,
}

// KeyGenParams describes a server-side key generation operation.
type KeyGenParams struct {
	UserID  string
	KeyType string // "RSA" or "EC"
	KeySize int    // RSA modulus bits; ignored for EC
	Curve   string // named curve for EC; ignored for RSA
	Archive bool   // archive the generated key at the peer
}

func (p KeyGenParams) validate() error {
	if p.KeyType == "EC" {
		if !supportedCurves[p.Curve] {
			return fmt.Errorf("%q: %w", p.Curve, ErrUnsupportedCurve)
		}
		return nil
	}
	if p.KeySize <= 0 {
		return fmt.Errorf("%w: key size is required for %s", ErrProtocol, p.KeyType)
	}
	return nil
}

// GenerateKey performs the server-side key generation round trip: it
// derives a transport session key bound to the connector's transport
// certificate, sends the key-generation request to the peer, and merges
// the response (wrapped private key, IV, public key) into the request's
// bag. Every merged field plus the session key material is tagged as a
// single-delivery secret; after the caller delivers the response once, it
// scrubs the bag and performs the final commit.
func (c *Connector) GenerateKey(ctx context.Context, req *request.Request, params KeyGenParams) error {
	if err := params.validate(); err != nil {
		return err
	}

	transportDER, err := base64.StdEncoding.DecodeString(c.cfg.TransportCert)
	if err != nil {
		return fmt.Errorf("connector %s: malformed transport certificate: %w", c.cfg.ID, err)
	}

	sessionKey, err := util.RandomBytes(util.KeySize)
	if err != nil {
		return err
	}
	enclave := memguard.NewEnclave(sessionKey)

	keyBuf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening session key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	wrapped, err := util.WrapSessionKey(transportDER, keyBuf.Bytes())
	if err != nil {
		return fmt.Errorf("wrapping session key: %w", err)
	}

	values := url.Values{}
	values.Set(wireCorrelationID, uuid.NewString())
	values.Set(wireUserID, params.UserID)
	values.Set(wireSessionKey, base64.StdEncoding.EncodeToString(wrapped))
	values.Set(wireArchive, strconv.FormatBool(params.Archive))
	values.Set(wireKeyType, params.KeyType)
	if params.KeyType == "EC" {
		values.Set(wireCurve, params.Curve)
	} else {
		values.Set(wireKeySize, strconv.Itoa(params.KeySize))
	}

	resp, err := c.send(ctx, values)
	if err != nil {
		return err
	}

	status, err := mapWireStatus(resp.Get(wireStatus))
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		return fmt.Errorf("connector %s: %w: peer rejected key generation (status %s)",
			c.cfg.ID, ErrProtocol, resp.Get(wireStatus))
	}
	if resp.Get(wireWrappedKey) == "" || resp.Get(wirePublicKey) == "" {
		return fmt.Errorf("connector %s: %w: incomplete key generation response", c.cfg.ID, ErrProtocol)
	}

	bag := req.Bag()
	bag.SetString(KeyWrappedPrivate, resp.Get(wireWrappedKey))
	bag.SetString(KeyIV, resp.Get(wireIV))
	bag.SetString(KeyPublic, resp.Get(wirePublicKey))
	bag.SetString(KeySessionMaterial, base64.StdEncoding.EncodeToString(wrapped))
	req.MarkSecret(KeyWrappedPrivate)
	req.MarkSecret(KeyIV)
	req.MarkSecret(KeyPublic)
	req.MarkSecret(KeySessionMaterial)

	return nil
}
