package profile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/certforge/request"
)

// subItemCount returns the number of certificate sub-items on a request.
// Requests populated through a profile always carry at least one.
func subItemCount(req *request.Request) int {
	n := int(req.Bag().GetInt(request.KeyCertInfoCount))
	if n < 1 {
		return 1
	}
	return n
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// ValidityDefault populates the certificate validity window when the
// submission did not carry one.
type ValidityDefault struct {
	id   string
	days int
	now  func() time.Time
}

var _ Rule = (*ValidityDefault)(nil)

// NewValidityDefault creates the rule with the given chain-local id.
func NewValidityDefault(id string) *ValidityDefault {
	return &ValidityDefault{id: id, now: time.Now}
}

func (d *ValidityDefault) ID() string { return d.id }

func (d *ValidityDefault) Kind() Kind { return KindDefault }

func (d *ValidityDefault) Init(cfg map[string]string) error {
	raw, err := requireConfig(cfg, "validity.days")
	if err != nil {
		return err
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return fmt.Errorf("rule %s: invalid validity.days %q", d.id, raw)
	}
	d.days = days
	return nil
}

func (d *ValidityDefault) Apply(req *request.Request) Outcome {
	bag := req.Bag()
	if bag.GetString(request.KeyNotBefore) == "" {
		bag.SetString(request.KeyNotBefore, d.now().UTC().Format(time.RFC3339))
	}
	if bag.GetString(request.KeyNotAfter) == "" {
		notBefore, err := time.Parse(time.RFC3339, bag.GetString(request.KeyNotBefore))
		if err != nil {
			return Internal(d.id, fmt.Errorf("parsing notBefore: %w", err))
		}
		bag.SetString(request.KeyNotAfter,
			notBefore.Add(time.Duration(d.days)*24*time.Hour).Format(time.RFC3339))
	}
	return Accepted()
}

// SubjectNameDefault populates the subject DN from the submitted uid when
// the submission did not carry one. The pattern uses $uid as the
// substitution point, e.g. "UID=$uid,OU=people".
type SubjectNameDefault struct {
	id      string
	pattern string
}

var _ Rule = (*SubjectNameDefault)(nil)

func NewSubjectNameDefault(id string) *SubjectNameDefault {
	return &SubjectNameDefault{id: id}
}

func (d *SubjectNameDefault) ID() string { return d.id }

func (d *SubjectNameDefault) Kind() Kind { return KindDefault }

func (d *SubjectNameDefault) Init(cfg map[string]string) error {
	pattern, err := requireConfig(cfg, "name.pattern")
	if err != nil {
		return err
	}
	d.pattern = pattern
	return nil
}

func (d *SubjectNameDefault) Apply(req *request.Request) Outcome {
	bag := req.Bag()
	if bag.GetString(request.KeySubject) != "" {
		return Accepted()
	}
	uid := bag.GetString(request.ParamPrefix + "uid")
	if uid == "" {
		msg := "no subject submitted and no uid to derive one from"
		req.AddPolicyError(request.PolicyError{RuleID: d.id, Reason: msg, SubItem: -1})
		return Rejected(d.id, msg)
	}
	bag.SetString(request.KeySubject, strings.ReplaceAll(d.pattern, "$uid", uid))
	return Accepted()
}

// SigningAlgDefault fills in the signing algorithm handed to the signing
// unit when the submission did not pick one.
type SigningAlgDefault struct {
	id  string
	alg string
}

var _ Rule = (*SigningAlgDefault)(nil)

func NewSigningAlgDefault(id string) *SigningAlgDefault {
	return &SigningAlgDefault{id: id}
}

func (d *SigningAlgDefault) ID() string { return d.id }

func (d *SigningAlgDefault) Kind() Kind { return KindDefault }

func (d *SigningAlgDefault) Init(cfg map[string]string) error {
	alg, err := requireConfig(cfg, "signing.alg")
	if err != nil {
		return err
	}
	d.alg = alg
	return nil
}

func (d *SigningAlgDefault) Apply(req *request.Request) Outcome {
	if req.Bag().GetString(request.KeySigningAlg) == "" {
		req.Bag().SetString(request.KeySigningAlg, d.alg)
	}
	return Accepted()
}

// ---------------------------------------------------------------------------
// Constraints
// ---------------------------------------------------------------------------

// KeyAlgorithmConstraint rejects sub-items whose key algorithm is not in
// the allowed set. Every sub-item is evaluated; a violation is recorded
// per failing item and evaluation continues over the rest.
type KeyAlgorithmConstraint struct {
	id      string
	allowed map[string]bool
}

var _ Rule = (*KeyAlgorithmConstraint)(nil)

func NewKeyAlgorithmConstraint(id string) *KeyAlgorithmConstraint {
	return &KeyAlgorithmConstraint{id: id}
}

func (c *KeyAlgorithmConstraint) ID() string { return c.id }

func (c *KeyAlgorithmConstraint) Kind() Kind { return KindConstraint }

func (c *KeyAlgorithmConstraint) Init(cfg map[string]string) error {
	raw, err := requireConfig(cfg, "key.algorithms")
	if err != nil {
		return err
	}
	c.allowed = make(map[string]bool)
	for _, alg := range splitList(raw) {
		c.allowed[strings.ToUpper(alg)] = true
	}
	if len(c.allowed) == 0 {
		return fmt.Errorf("rule %s: key.algorithms is empty", c.id)
	}
	return nil
}

func (c *KeyAlgorithmConstraint) Apply(req *request.Request) Outcome {
	violated := false
	for i := 0; i < subItemCount(req); i++ {
		alg := req.Bag().GetString(request.CertInfoKey(i, request.CertFieldKeyAlgorithm))
		if !c.allowed[strings.ToUpper(alg)] {
			req.AddPolicyError(request.PolicyError{
				RuleID:  c.id,
				Reason:  fmt.Sprintf("key algorithm %q is not permitted", alg),
				SubItem: i,
			})
			violated = true
		}
	}
	if violated {
		return Rejected(c.id, "key algorithm not permitted")
	}
	return Accepted()
}

// KeySizeConstraint bounds the key size per sub-item. Sub-items using a
// named curve are exempt; curve admission is the connector's concern.
type KeySizeConstraint struct {
	id       string
	min, max int
}

var _ Rule = (*KeySizeConstraint)(nil)

func NewKeySizeConstraint(id string) *KeySizeConstraint {
	return &KeySizeConstraint{id: id}
}

func (c *KeySizeConstraint) ID() string { return c.id }

func (c *KeySizeConstraint) Kind() Kind { return KindConstraint }

func (c *KeySizeConstraint) Init(cfg map[string]string) error {
	minRaw, err := requireConfig(cfg, "key.minSize")
	if err != nil {
		return err
	}
	maxRaw, err := requireConfig(cfg, "key.maxSize")
	if err != nil {
		return err
	}
	c.min, err = strconv.Atoi(minRaw)
	if err != nil {
		return fmt.Errorf("rule %s: invalid key.minSize %q", c.id, minRaw)
	}
	c.max, err = strconv.Atoi(maxRaw)
	if err != nil {
		return fmt.Errorf("rule %s: invalid key.maxSize %q", c.id, maxRaw)
	}
	if c.min <= 0 || c.max < c.min {
		return fmt.Errorf("rule %s: invalid key size bounds [%d, %d]", c.id, c.min, c.max)
	}
	return nil
}

func (c *KeySizeConstraint) Apply(req *request.Request) Outcome {
	violated := false
	for i := 0; i < subItemCount(req); i++ {
		if req.Bag().GetString(request.CertInfoKey(i, request.CertFieldCurve)) != "" {
			continue
		}
		size := int(req.Bag().GetInt(request.CertInfoKey(i, request.CertFieldKeySize)))
		if size < c.min || size > c.max {
			req.AddPolicyError(request.PolicyError{
				RuleID:  c.id,
				Reason:  fmt.Sprintf("key size %d outside permitted range [%d, %d]", size, c.min, c.max),
				SubItem: i,
			})
			violated = true
		}
	}
	if violated {
		return Rejected(c.id, "key size outside permitted range")
	}
	return Accepted()
}

// ValidityConstraint caps the requested validity window.
type ValidityConstraint struct {
	id      string
	maxDays int
}

var _ Rule = (*ValidityConstraint)(nil)

func NewValidityConstraint(id string) *ValidityConstraint {
	return &ValidityConstraint{id: id}
}

func (c *ValidityConstraint) ID() string { return c.id }

func (c *ValidityConstraint) Kind() Kind { return KindConstraint }

func (c *ValidityConstraint) Init(cfg map[string]string) error {
	raw, err := requireConfig(cfg, "validity.maxDays")
	if err != nil {
		return err
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return fmt.Errorf("rule %s: invalid validity.maxDays %q", c.id, raw)
	}
	c.maxDays = days
	return nil
}

func (c *ValidityConstraint) Apply(req *request.Request) Outcome {
	bag := req.Bag()
	notBefore, err := time.Parse(time.RFC3339, bag.GetString(request.KeyNotBefore))
	if err != nil {
		req.AddPolicyError(request.PolicyError{
			RuleID: c.id, Reason: "notBefore is missing or malformed", SubItem: -1,
		})
		return Rejected(c.id, "notBefore is missing or malformed")
	}
	notAfter, err := time.Parse(time.RFC3339, bag.GetString(request.KeyNotAfter))
	if err != nil {
		req.AddPolicyError(request.PolicyError{
			RuleID: c.id, Reason: "notAfter is missing or malformed", SubItem: -1,
		})
		return Rejected(c.id, "notAfter is missing or malformed")
	}
	if notAfter.Sub(notBefore) > time.Duration(c.maxDays)*24*time.Hour {
		reason := fmt.Sprintf("validity exceeds %d days", c.maxDays)
		req.AddPolicyError(request.PolicyError{RuleID: c.id, Reason: reason, SubItem: -1})
		return Rejected(c.id, reason)
	}
	return Accepted()
}

// RevocationConstraint gates revocation requests on the permitted reason
// set; on-hold revocation is admitted only when configured.
type RevocationConstraint struct {
	id          string
	allowOnHold bool
}

var _ Rule = (*RevocationConstraint)(nil)

// reasonOnHold is the on-hold revocation reason name.
const reasonOnHold = "certificateHold"

var knownRevocationReasons = map[string]bool{
	"unspecified":          true,
	"keyCompromise":        true,
	"caCompromise":         true,
	"affiliationChanged":   true,
	"superseded":           true,
	"cessationOfOperation": true,
	reasonOnHold:           true,
	"removeFromCRL":        true,
	"privilegeWithdrawn":   true,
}

func NewRevocationConstraint(id string) *RevocationConstraint {
	return &RevocationConstraint{id: id}
}

func (c *RevocationConstraint) ID() string { return c.id }

func (c *RevocationConstraint) Kind() Kind { return KindConstraint }

func (c *RevocationConstraint) Init(cfg map[string]string) error {
	c.allowOnHold = cfg["revocation.allowOnHold"] == "true"
	return nil
}

func (c *RevocationConstraint) Apply(req *request.Request) Outcome {
	if req.Type() != request.TypeRevocation {
		return Accepted()
	}
	reason := req.Bag().GetString(request.KeyRevokeReason)
	if !knownRevocationReasons[reason] {
		msg := fmt.Sprintf("unknown revocation reason %q", reason)
		req.AddPolicyError(request.PolicyError{RuleID: c.id, Reason: msg, SubItem: -1})
		return Rejected(c.id, msg)
	}
	if reason == reasonOnHold && !c.allowOnHold {
		msg := "on-hold revocation is not permitted"
		req.AddPolicyError(request.PolicyError{RuleID: c.id, Reason: msg, SubItem: -1})
		return Rejected(c.id, msg)
	}
	return Accepted()
}

// ExtensionConstraint limits the certificate extensions a sub-item may
// request to a configured set. Extension names are matched
// case-insensitively; a sub-item requesting no extensions passes.
type ExtensionConstraint struct {
	id      string
	allowed map[string]bool
}

var _ Rule = (*ExtensionConstraint)(nil)

func NewExtensionConstraint(id string) *ExtensionConstraint {
	return &ExtensionConstraint{id: id}
}

func (c *ExtensionConstraint) ID() string { return c.id }

func (c *ExtensionConstraint) Kind() Kind { return KindConstraint }

func (c *ExtensionConstraint) Init(cfg map[string]string) error {
	raw, err := requireConfig(cfg, "extensions.allowed")
	if err != nil {
		return err
	}
	c.allowed = make(map[string]bool)
	for _, ext := range splitList(raw) {
		c.allowed[strings.ToLower(ext)] = true
	}
	if len(c.allowed) == 0 {
		return fmt.Errorf("rule %s: extensions.allowed is empty", c.id)
	}
	return nil
}

func (c *ExtensionConstraint) Apply(req *request.Request) Outcome {
	violated := false
	for i := 0; i < subItemCount(req); i++ {
		raw := req.Bag().GetString(request.CertInfoKey(i, request.CertFieldExtensions))
		for _, ext := range splitList(raw) {
			if !c.allowed[strings.ToLower(ext)] {
				req.AddPolicyError(request.PolicyError{
					RuleID:  c.id,
					Reason:  fmt.Sprintf("extension %q is not permitted", ext),
					SubItem: i,
				})
				violated = true
			}
		}
	}
	if violated {
		return Rejected(c.id, "extension not permitted")
	}
	return Accepted()
}

// RuleFactory constructs a rule instance with its chain-local id.
type RuleFactory func(id string) Rule

// builtinRules maps rule class ids to factories. Populated at process
// start; absence of a mapping is a configuration error.
func builtinRules() map[string]RuleFactory {
	return map[string]RuleFactory{
		"validityDefault":        func(id string) Rule { return NewValidityDefault(id) },
		"subjectNameDefault":     func(id string) Rule { return NewSubjectNameDefault(id) },
		"signingAlgDefault":      func(id string) Rule { return NewSigningAlgDefault(id) },
		"keyAlgorithmConstraint": func(id string) Rule { return NewKeyAlgorithmConstraint(id) },
		"keySizeConstraint":      func(id string) Rule { return NewKeySizeConstraint(id) },
		"validityConstraint":     func(id string) Rule { return NewValidityConstraint(id) },
		"revocationConstraint":   func(id string) Rule { return NewRevocationConstraint(id) },
		"extensionConstraint":    func(id string) Rule { return NewExtensionConstraint(id) },
	}
}
