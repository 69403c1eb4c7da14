package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/relaymail/internal/platform/envutil"
)

// RenderMode selects how relayed messages are presented on both surfaces.
const (
	RenderPlain = "plain"
	RenderCard  = "card"
)

// Attachment backend names.
const (
	BackendPassthrough = "passthrough"
	BackendLocal       = "local"
	BackendRemote      = "remote"
)

type ReasonOption struct {
	Label string `yaml:"label"`
	Value string `yaml:"value"`
}

type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type AttachmentsConfig struct {
	Backend        string `yaml:"backend"`
	LocalDir       string `yaml:"local_dir"`
	RemoteBucket   string `yaml:"remote_bucket"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type RelayConfig struct {
	RenderMode         string `yaml:"render_mode"`
	LiveUpdateEdits    bool   `yaml:"live_update_edits"`
	AnonymousReplies   bool   `yaml:"anonymous_replies"`
	MessageCharLimit   int    `yaml:"message_char_limit"`
	SmallAttachmentMax int64  `yaml:"small_attachment_max"`
	CommandPrefix      string `yaml:"command_prefix"`
}

type IntakeConfig struct {
	InboxCategoryID      string         `yaml:"inbox_category_id"`
	MentionOnNewThread   string         `yaml:"mention_on_new_thread"`
	Languages            []string       `yaml:"languages"`
	DefaultLanguage      string         `yaml:"default_language"`
	Reasons              []ReasonOption `yaml:"reasons"`
	MinAccountAgeHours   int            `yaml:"min_account_age_hours"`
	MinMembershipMinutes int            `yaml:"min_membership_minutes"`
	ResponseMessage      string         `yaml:"response_message"`
	CloseMessage         string         `yaml:"close_message"`
}

type TranslateConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TeamLanguage string `yaml:"team_language"`
}

type Config struct {
	LogMode     string            `yaml:"log_mode"`
	HTTP        HTTPConfig        `yaml:"http"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Relay       RelayConfig       `yaml:"relay"`
	Intake      IntakeConfig      `yaml:"intake"`
	Translate   TranslateConfig   `yaml:"translate"`
}

// Load reads the YAML config file when present, then applies environment
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.LogMode = envutil.Str("LOG_MODE", firstOf(cfg.LogMode, "development"))
	cfg.HTTP.Addr = envutil.Str("HTTP_ADDR", firstOf(cfg.HTTP.Addr, ":8890"))
	cfg.HTTP.PublicBaseURL = strings.TrimRight(envutil.Str("PUBLIC_BASE_URL", cfg.HTTP.PublicBaseURL), "/")

	cfg.Attachments.Backend = envutil.Str("ATTACHMENT_BACKEND", firstOf(cfg.Attachments.Backend, BackendPassthrough))
	cfg.Attachments.LocalDir = envutil.Str("ATTACHMENT_LOCAL_DIR", firstOf(cfg.Attachments.LocalDir, "data/attachments"))
	cfg.Attachments.RemoteBucket = envutil.Str("ATTACHMENT_REMOTE_BUCKET", cfg.Attachments.RemoteBucket)
	if cfg.Attachments.MaxUploadBytes <= 0 {
		cfg.Attachments.MaxUploadBytes = 8 << 20
	}

	if cfg.Relay.RenderMode == "" {
		cfg.Relay.RenderMode = RenderCard
	}
	if cfg.Relay.MessageCharLimit <= 0 {
		cfg.Relay.MessageCharLimit = 2000
	}
	if cfg.Relay.SmallAttachmentMax <= 0 {
		cfg.Relay.SmallAttachmentMax = 2 << 20
	}
	if cfg.Relay.CommandPrefix == "" {
		cfg.Relay.CommandPrefix = "!"
	}

	if cfg.Translate.TeamLanguage == "" {
		cfg.Translate.TeamLanguage = "en"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Relay.RenderMode {
	case RenderPlain, RenderCard:
	default:
		return fmt.Errorf("unknown relay.render_mode %q", c.Relay.RenderMode)
	}
	switch c.Attachments.Backend {
	case BackendPassthrough, BackendLocal, BackendRemote:
	default:
		return fmt.Errorf("unknown attachments.backend %q", c.Attachments.Backend)
	}
	for i, r := range c.Intake.Reasons {
		if strings.TrimSpace(r.Label) == "" {
			return fmt.Errorf("intake.reasons[%d]: empty label", i)
		}
	}
	return nil
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
