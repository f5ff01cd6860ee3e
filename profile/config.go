package profile

import (
	"bufio"
	"fmt"
	"sort"
	"strings"

	"github.com/jmcleod/certforge/request"
)

// parseProps parses the profile config artifact: one key=value property
// per line, # comments and blank lines ignored.
func parseProps(data []byte) (map[string]string, error) {
	props := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: malformed property %q", line, text)
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return props, sc.Err()
}

// renderProps serializes a config map deterministically.
func renderProps(props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, props[k])
	}
	return []byte(b.String())
}

// paramsWithPrefix extracts the sub-map under prefix, with the prefix
// stripped.
func paramsWithPrefix(cfg map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range cfg {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// buildProfile constructs and fully initializes a Profile from its durable
// config. Any failure leaves nothing published: the caller only installs
// the returned profile on success.
func buildProfile(id, classID string, cfg map[string]string, rules map[string]RuleFactory, auth *AuthenticatorRegistry) (*Profile, error) {
	p := &Profile{
		id:              id,
		classID:         classID,
		requestType:     request.Type(cfg["request.type"]),
		enabled:         cfg["enable"] == "true",
		enabledBy:       cfg["enabledBy"],
		authenticatorID: cfg["auth.instance_id"],
		manualApproval:  cfg["approval.manual"] == "true",
		auth:            auth,
	}
	if p.requestType == "" {
		p.requestType = request.TypeEnrollment
	}

	for _, name := range splitList(cfg["input.list"]) {
		prefix := "input." + name + "."
		in := Input{
			Name:     cfg[prefix+"name"],
			BagKey:   cfg[prefix+"bagKey"],
			Int:      cfg[prefix+"int"] == "true",
			Required: cfg[prefix+"required"] == "true",
		}
		if in.Name == "" {
			return nil, fmt.Errorf("profile %s: input %q has no name", id, name)
		}
		p.inputs = append(p.inputs, in)
	}

	for _, name := range splitList(cfg["output.list"]) {
		prefix := "output." + name + "."
		out := Output{Name: cfg[prefix+"name"], BagKey: cfg[prefix+"bagKey"]}
		if out.Name == "" || out.BagKey == "" {
			return nil, fmt.Errorf("profile %s: output %q is incomplete", id, name)
		}
		p.outputs = append(p.outputs, out)
	}

	var chainRules []Rule
	for _, name := range splitList(cfg["policy.list"]) {
		prefix := "policy." + name + "."
		class := cfg[prefix+"class"]
		factory, ok := rules[class]
		if !ok {
			return nil, fmt.Errorf("profile %s: policy %s: class %q: %w", id, name, class, ErrUnknownClass)
		}
		rule := factory(name)
		if err := rule.Init(paramsWithPrefix(cfg, prefix+"param.")); err != nil {
			return nil, fmt.Errorf("profile %s: policy %s: %w", id, name, err)
		}
		chainRules = append(chainRules, rule)
	}
	p.chain = NewChain(chainRules...)

	return p, nil
}
