// Package config loads default signing settings from an optional
// hujson (JSON-with-comments) file, merged with explicit CLI flags
// (spec.md's AMBIENT STACK: "configuration layer: flags/env merged
// with a tailscale/hujson config file").
//
// Grounded on 256lights-zb/cmd/zb/config.go's globalConfig: a plain
// struct decoded via hujson.Standardize followed by
// github.com/go-json-experiment/json, with CLI flags always taking
// precedence over file values (applied after LoadFile by the caller).
package config

import (
	"fmt"
	"os"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
)

// File is the on-disk shape of a .machosign.hujson config file: every
// field mirrors a cmd/machosign flag and is optional.
type File struct {
	Identifier     string   `json:"identifier"`
	TeamID         string   `json:"teamID"`
	Digest         string   `json:"digest"`
	ExtraDigests   []string `json:"extraDigests"`
	P12Path        string   `json:"p12"`
	P12Password    string   `json:"p12Password"`
	TimestampURL   string   `json:"timestampURL"`
	Entitlements   string   `json:"entitlements"`
	RuntimeVersion uint32   `json:"runtimeVersion"`
	Adhoc          bool     `json:"adhoc"`
}

// LoadFile reads and decodes a hujson config file at path. A missing
// file is not an error: it yields a zero-value File so callers can
// unconditionally apply flag overrides on top.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var f File
	if err := jsonv2.Unmarshal(standardized, &f, jsonv2.RejectUnknownMembers(false)); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &f, nil
}
