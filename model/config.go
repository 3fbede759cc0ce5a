package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig is the JSON form of a registry.
type RegistryConfig struct {
	Routes    map[string]*RouteConfig    `json:"routes"`
	Endpoints map[string]*EndpointConfig `json:"endpoints"`
	Default   string                     `json:"default,omitempty"`
}

// LoadFromFile loads a registry from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return LoadFromJSON(data)
}

// LoadFromJSON loads a registry from JSON data.
func LoadFromJSON(data []byte) (*Registry, error) {
	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}

	routes := make(map[Task]*RouteConfig, len(cfg.Routes))
	for name, route := range cfg.Routes {
		task := ParseTask(name)
		if task == "" {
			return nil, fmt.Errorf("unknown task %q", name)
		}
		routes[task] = route
	}

	for task, route := range routes {
		for _, name := range append(append([]string{}, route.Preferred...), route.Fallback...) {
			if _, ok := cfg.Endpoints[name]; !ok {
				return nil, fmt.Errorf("route %s references unknown endpoint %q", task, name)
			}
		}
	}

	return NewRegistry(routes, cfg.Endpoints, cfg.Default), nil
}
