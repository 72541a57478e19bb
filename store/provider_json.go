package store

import "encoding/json"

// BeforeSave serializes the Go-native BaseURLs/ModelOverrides fields into
// their JSON columns; gorm calls this automatically via the hook name.
func (p *Provider) BeforeSave() error {
	b, err := json.Marshal(p.BaseURLs)
	if err != nil {
		return err
	}
	p.BaseURLsJSON = string(b)

	if p.ModelOverrides != nil {
		b, err := json.Marshal(p.ModelOverrides)
		if err != nil {
			return err
		}
		p.ModelOverridesJSON = string(b)
	}
	return nil
}

// AfterFind deserializes the JSON columns back into the Go-native fields.
func (p *Provider) AfterFind() error {
	if p.BaseURLsJSON != "" {
		if err := json.Unmarshal([]byte(p.BaseURLsJSON), &p.BaseURLs); err != nil {
			return err
		}
	}
	if p.ModelOverridesJSON != "" {
		if err := json.Unmarshal([]byte(p.ModelOverridesJSON), &p.ModelOverrides); err != nil {
			return err
		}
	}
	return nil
}
