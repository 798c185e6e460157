package tenants

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// tenantsFile is the YAML shape of a static tenant configuration file.
type tenantsFile struct {
	Default *Tenant  `yaml:"default"`
	Tenants []Tenant `yaml:"tenants"`
}

// LoadFile reads static tenants from a YAML file. The optional default tenant
// gets DefaultTenantID when its id is unset. Every tenant is validated; a bad
// static tenant fails loading (fail fast for static configuration).
func LoadFile(path string) (def *Tenant, list []Tenant, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read tenants file: %w", err)
	}
	var f tenantsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("parse tenants file: %w", err)
	}
	if f.Default != nil {
		if f.Default.ID == "" {
			f.Default.ID = DefaultTenantID
		}
		d := f.Default.WithDefaults()
		if err := d.Validate(); err != nil {
			return nil, nil, err
		}
		def = &d
	}
	for i := range f.Tenants {
		t := f.Tenants[i].WithDefaults()
		if err := t.Validate(); err != nil {
			return nil, nil, err
		}
		list = append(list, t)
	}
	return def, list, nil
}
