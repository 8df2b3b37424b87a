package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"comment-notify/pkg/notifier"
	"comment-notify/settings"
)

const defaultBaseURL = "http://localhost:8080"

// loadSettings builds the site configuration from the environment and rejects
// configurations that must never reach dispatch.
func loadSettings(getenv func(string) string) (*settings.Settings, error) {
	cfg := settings.Default()
	cfg.Secret = getenv("NOTIFY_SECRET")
	cfg.BaseURL = strings.TrimSuffix(getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	if v := getenv("NOTIFY_MODES"); v != "" {
		modes, err := settings.ParseModes(v)
		if err != nil {
			return nil, fmt.Errorf("NOTIFY_MODES: %w", err)
		}
		cfg.EnabledModes = modes
	}

	if v := getenv("NOTIFY_ENTITY_TYPES"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.EntityTypes = append(cfg.EntityTypes, t)
			}
		}
	}

	var errs []error
	for name, dst := range map[string]*notifier.Mode{
		"NOTIFY_ANON_DEFAULT":       &cfg.AnonymousDefault,
		"NOTIFY_REGISTERED_DEFAULT": &cfg.RegisteredDefault,
	} {
		if v := getenv(name); v != "" {
			m, err := notifier.ParseMode(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			*dst = m
		}
	}

	if v := getenv("NOTIFY_ENTITY_AUTHOR_DEFAULT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("NOTIFY_ENTITY_AUTHOR_DEFAULT: %w", err))
		}
		cfg.EntityAuthorDefault = b
	}

	if v := getenv("NOTIFY_COMMENT_SUBJECT"); v != "" {
		cfg.CommentTemplate.Subject = v
	}
	if v := getenv("NOTIFY_ENTITY_AUTHOR_SUBJECT"); v != "" {
		cfg.EntityAuthorTemplate.Subject = v
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
