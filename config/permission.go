package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Permission selects the role store
type Permission struct {
	Store string              `json:"store" yaml:"store"`
	DSN   string              `json:"dsn" yaml:"dsn"`
	Roles map[string][]string `json:"roles" yaml:"roles"`
}

// Validate validates permission configuration
func (p *Permission) Validate() error {
	switch p.Store {
	case "static":
	case "sqlite":
		if p.DSN == "" {
			return fmt.Errorf("permission.dsn is required for sqlite store")
		}
	default:
		return fmt.Errorf("unsupported permission store: %s", p.Store)
	}
	return nil
}

func getPermissionConfig(v *viper.Viper) *Permission {
	roles := map[string][]string{}
	for name := range v.GetStringMap("permission.roles") {
		roles[name] = v.GetStringSlice("permission.roles." + name)
	}
	return &Permission{
		Store: getStringOrDefault(v, "permission.store", "static"),
		DSN:   v.GetString("permission.dsn"),
		Roles: roles,
	}
}
