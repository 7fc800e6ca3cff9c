// internal/config/senders.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

// staticSender mirrors one entry of the senders file. Pointer fields let us
// tell an absent key from a blank one.
type staticSender struct {
	Name       string  `yaml:"name"`
	Email      string  `yaml:"email"`
	Host       *string `yaml:"host"`
	Port       *int    `yaml:"port"`
	Username   *string `yaml:"username"`
	Password   *string `yaml:"password"`
	Encryption *string `yaml:"encryption"`
}

type sendersFile struct {
	Senders []staticSender `yaml:"senders"`
}

// LoadStaticSenders reads configured sender profiles. An empty path yields none.
func LoadStaticSenders(path string) ([]model.SenderProfile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read senders file: %w", err)
	}
	return ParseStaticSenders(data)
}

// ParseStaticSenders decodes a senders YAML document and assigns synthetic ids.
func ParseStaticSenders(data []byte) ([]model.SenderProfile, error) {
	var f sendersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse senders file: %w", err)
	}

	profiles := make([]model.SenderProfile, 0, len(f.Senders))
	for i, s := range f.Senders {
		p := model.SenderProfile{
			ID:     model.StaticProfileID(i),
			Name:   s.Name,
			Email:  s.Email,
			Static: true,
		}
		if s.Host != nil {
			p.Host = *s.Host
		} else {
			p.Undeclared = append(p.Undeclared, "host")
		}
		if s.Port != nil {
			p.Port = *s.Port
		} else {
			p.Undeclared = append(p.Undeclared, "port")
		}
		if s.Username != nil {
			p.Username = *s.Username
		} else {
			p.Undeclared = append(p.Undeclared, "username")
		}
		if s.Password != nil {
			p.Password = *s.Password
		} else {
			p.Undeclared = append(p.Undeclared, "password")
		}
		if s.Encryption != nil {
			p.Encryption = model.Encryption(*s.Encryption)
		} else {
			p.Undeclared = append(p.Undeclared, "encryption")
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// DefaultProfile turns the system default mail configuration into a profile.
func (d SMTPDefaults) DefaultProfile() model.SenderProfile {
	name := d.FromName
	if name == "" {
		name = d.FromAddress
	}
	return model.SenderProfile{
		ID:         model.DefaultProfileID,
		Name:       name,
		Email:      d.FromAddress,
		Host:       d.Host,
		Port:       d.Port,
		Username:   d.Username,
		Password:   d.Password,
		Encryption: model.Encryption(d.Encryption),
		Static:     true,
	}
}
