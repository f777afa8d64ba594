package main

import "os"

// Config holds Atlas configuration from environment variables.
type Config struct {
	URL    string
	APIKey string
}

func LoadConfig() *Config {
	url := os.Getenv("CDRGUARD_URL")
	if url == "" {
		url = "http://localhost:8080"
	}
	return &Config{
		URL:    url,
		APIKey: os.Getenv("CDRGUARD_API_KEY"),
	}
}
