package profile

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaultClassesFS embed.FS

// classYAML is the YAML representation of a profile class template. It is
// converted to the flat property form the registry persists.
type classYAML struct {
	ClassID     string `yaml:"class_id"`
	RequestType string `yaml:"request_type"`
	Auth        string `yaml:"auth,omitempty"`

	Inputs []struct {
		Name     string `yaml:"name"`
		BagKey   string `yaml:"bag_key,omitempty"`
		Int      bool   `yaml:"int,omitempty"`
		Required bool   `yaml:"required,omitempty"`
	} `yaml:"inputs"`

	Outputs []struct {
		Name   string `yaml:"name"`
		BagKey string `yaml:"bag_key"`
	} `yaml:"outputs"`

	Policies []struct {
		ID     string            `yaml:"id"`
		Class  string            `yaml:"class"`
		Params map[string]string `yaml:"params,omitempty"`
	} `yaml:"policies"`
}

func (cy *classYAML) toConfig() map[string]string {
	cfg := map[string]string{
		"enable":       "false",
		"request.type": cy.RequestType,
	}
	if cy.Auth != "" {
		cfg["auth.instance_id"] = cy.Auth
	}

	inputList := ""
	for i, in := range cy.Inputs {
		name := fmt.Sprintf("i%d", i+1)
		if inputList != "" {
			inputList += ","
		}
		inputList += name
		cfg["input."+name+".name"] = in.Name
		if in.BagKey != "" {
			cfg["input."+name+".bagKey"] = in.BagKey
		}
		if in.Int {
			cfg["input."+name+".int"] = "true"
		}
		if in.Required {
			cfg["input."+name+".required"] = "true"
		}
	}
	cfg["input.list"] = inputList

	outputList := ""
	for i, out := range cy.Outputs {
		name := fmt.Sprintf("o%d", i+1)
		if outputList != "" {
			outputList += ","
		}
		outputList += name
		cfg["output."+name+".name"] = out.Name
		cfg["output."+name+".bagKey"] = out.BagKey
	}
	cfg["output.list"] = outputList

	policyList := ""
	for _, pol := range cy.Policies {
		if policyList != "" {
			policyList += ","
		}
		policyList += pol.ID
		cfg["policy."+pol.ID+".class"] = pol.Class
		for k, v := range pol.Params {
			cfg["policy."+pol.ID+".param."+k] = v
		}
	}
	cfg["policy.list"] = policyList

	return cfg
}

// DefaultClasses returns the predefined profile class templates compiled
// into the binary.
func DefaultClasses() (map[string]map[string]string, error) {
	entries, err := defaultClassesFS.ReadDir("defaults")
	if err != nil {
		return nil, fmt.Errorf("reading embedded defaults: %w", err)
	}

	classes := make(map[string]map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := defaultClassesFS.ReadFile("defaults/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		var cy classYAML
		if err := yaml.Unmarshal(data, &cy); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}
		if cy.ClassID == "" {
			return nil, fmt.Errorf("%s: class_id is required", entry.Name())
		}
		classes[cy.ClassID] = cy.toConfig()
	}
	return classes, nil
}

// RegisterDefaultClasses installs the embedded class templates into a
// class registry.
func RegisterDefaultClasses(r *ClassRegistry) error {
	classes, err := DefaultClasses()
	if err != nil {
		return err
	}
	for classID, cfg := range classes {
		template := cfg
		r.Register(classID, func() map[string]string {
			copied := make(map[string]string, len(template))
			for k, v := range template {
				copied[k] = v
			}
			return copied
		})
	}
	return nil
}
