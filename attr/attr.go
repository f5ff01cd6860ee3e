// Package attr provides the ordered, string-keyed attribute bag carried by
// every request flowing through the issuance engine. Keys are namespaced by
// convention (e.g. "HTTP_PARAMS.uid"); values are typed and iteration
// follows insertion order.
package attr

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Kind identifies the type of a bag value.
type Kind int

const (
	KindString Kind = iota
	KindBytes
	KindInt
	KindCert
	KindCertList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindInt:
		return "int"
	case KindCert:
		return "cert"
	case KindCertList:
		return "certlist"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a single typed bag value.
type Value struct {
	kind  Kind
	str   string
	bytes []byte
	num   int64
	cert  *x509.Certificate
	certs []*x509.Certificate
}

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bytes wraps a byte sequence value.
func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: append([]byte(nil), b...)} }

// Int wraps an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Cert wraps a certificate value.
func Cert(c *x509.Certificate) Value { return Value{kind: KindCert, cert: c} }

// CertList wraps a certificate chain value.
func CertList(cs []*x509.Certificate) Value {
	return Value{kind: KindCertList, certs: append([]*x509.Certificate(nil), cs...)}
}

// Kind returns the value's type.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string form. Non-string kinds return "".
func (v Value) AsString() string { return v.str }

// AsBytes returns the byte form. Non-bytes kinds return nil.
func (v Value) AsBytes() []byte { return append([]byte(nil), v.bytes...) }

// AsInt returns the integer form. Non-int kinds return 0.
func (v Value) AsInt() int64 { return v.num }

// AsCert returns the certificate form. Non-cert kinds return nil.
func (v Value) AsCert() *x509.Certificate { return v.cert }

// AsCertList returns the certificate chain form. Non-chain kinds return nil.
func (v Value) AsCertList() []*x509.Certificate {
	return append([]*x509.Certificate(nil), v.certs...)
}

type entry struct {
	key string
	val Value
}

// Bag is an ordered mapping from string keys to typed values. The zero
// value is not usable; construct with NewBag. Bag is not safe for
// concurrent use: each request is owned by one goroutine at a time.
type Bag struct {
	entries []entry
	index   map[string]int
}

// NewBag creates an empty Bag.
func NewBag() *Bag {
	return &Bag{index: make(map[string]int)}
}

// Get returns the value for key. The second return is false when the key
// is absent or has been deleted.
func (b *Bag) Get(key string) (Value, bool) {
	i, ok := b.index[key]
	if !ok {
		return Value{}, false
	}
	return b.entries[i].val, true
}

// GetString returns the string value for key, or "" when absent.
func (b *Bag) GetString(key string) string {
	v, ok := b.Get(key)
	if !ok {
		return ""
	}
	return v.AsString()
}

// GetBytes returns the byte value for key, or nil when absent.
func (b *Bag) GetBytes(key string) []byte {
	v, ok := b.Get(key)
	if !ok {
		return nil
	}
	return v.AsBytes()
}

// GetInt returns the integer value for key, or 0 when absent.
func (b *Bag) GetInt(key string) int64 {
	v, ok := b.Get(key)
	if !ok {
		return 0
	}
	return v.AsInt()
}

// Set stores value under key, replacing any existing value in place. A new
// key is appended to the iteration order.
func (b *Bag) Set(key string, v Value) {
	if i, ok := b.index[key]; ok {
		b.entries[i].val = v
		return
	}
	b.index[key] = len(b.entries)
	b.entries = append(b.entries, entry{key: key, val: v})
}

// SetString stores a string value under key.
func (b *Bag) SetString(key, s string) { b.Set(key, String(s)) }

// SetBytes stores a byte value under key.
func (b *Bag) SetBytes(key string, data []byte) { b.Set(key, Bytes(data)) }

// SetInt stores an integer value under key.
func (b *Bag) SetInt(key string, n int64) { b.Set(key, Int(n)) }

// Delete removes key from the bag and from the persisted form. Deleting an
// absent key is a no-op. Deletion is distinct from setting an empty value:
// after Delete the key is gone from all future reads and iteration.
func (b *Bag) Delete(key string) {
	i, ok := b.index[key]
	if !ok {
		return
	}
	delete(b.index, key)
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	for j := i; j < len(b.entries); j++ {
		b.index[b.entries[j].key] = j
	}
}

// Keys returns the bag's keys in insertion order.
func (b *Bag) Keys() []string {
	keys := make([]string, len(b.entries))
	for i, e := range b.entries {
		keys[i] = e.key
	}
	return keys
}

// Len returns the number of live keys.
func (b *Bag) Len() int { return len(b.entries) }

// Clone returns a deep copy of the bag.
func (b *Bag) Clone() *Bag {
	c := NewBag()
	for _, e := range b.entries {
		c.Set(e.key, e.val)
	}
	return c
}

// jsonEntry is the persisted form of one bag entry. Certificates are
// stored as base64 DER.
type jsonEntry struct {
	Key   string   `json:"k"`
	Type  string   `json:"t"`
	Str   string   `json:"s,omitempty"`
	Bytes string   `json:"b,omitempty"`
	Int   int64    `json:"i,omitempty"`
	Certs []string `json:"c,omitempty"`
}

// MarshalJSON encodes the bag as an ordered array of typed entries.
func (b *Bag) MarshalJSON() ([]byte, error) {
	out := make([]jsonEntry, 0, len(b.entries))
	for _, e := range b.entries {
		je := jsonEntry{Key: e.key, Type: e.val.kind.String()}
		switch e.val.kind {
		case KindString:
			je.Str = e.val.str
		case KindBytes:
			je.Bytes = base64.StdEncoding.EncodeToString(e.val.bytes)
		case KindInt:
			je.Int = e.val.num
		case KindCert:
			je.Certs = []string{base64.StdEncoding.EncodeToString(e.val.cert.Raw)}
		case KindCertList:
			for _, c := range e.val.certs {
				je.Certs = append(je.Certs, base64.StdEncoding.EncodeToString(c.Raw))
			}
		}
		out = append(out, je)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the ordered entry array, replacing the bag's
// contents.
func (b *Bag) UnmarshalJSON(data []byte) error {
	var in []jsonEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	b.entries = nil
	b.index = make(map[string]int)
	for _, je := range in {
		switch je.Type {
		case "string":
			b.SetString(je.Key, je.Str)
		case "bytes":
			raw, err := base64.StdEncoding.DecodeString(je.Bytes)
			if err != nil {
				return fmt.Errorf("attribute %q: %w", je.Key, err)
			}
			b.SetBytes(je.Key, raw)
		case "int":
			b.SetInt(je.Key, je.Int)
		case "cert", "certlist":
			certs := make([]*x509.Certificate, 0, len(je.Certs))
			for _, enc := range je.Certs {
				der, err := base64.StdEncoding.DecodeString(enc)
				if err != nil {
					return fmt.Errorf("attribute %q: %w", je.Key, err)
				}
				cert, err := x509.ParseCertificate(der)
				if err != nil {
					return fmt.Errorf("attribute %q: %w", je.Key, err)
				}
				certs = append(certs, cert)
			}
			if je.Type == "cert" {
				if len(certs) != 1 {
					return fmt.Errorf("attribute %q: expected one certificate, got %d", je.Key, len(certs))
				}
				b.Set(je.Key, Cert(certs[0]))
			} else {
				b.Set(je.Key, CertList(certs))
			}
		default:
			return fmt.Errorf("attribute %q: unknown type %q", je.Key, je.Type)
		}
	}
	return nil
}
