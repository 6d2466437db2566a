package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	GitLab   GitLabConfig
	Server   ServerConfig
	Webhook  WebhookConfig
	Comments CommentsConfig
	Rules    RulesConfig
	Approval ApprovalConfig
	StaleMR  StaleMRConfig
	MergeJob MergeJobConfig
}

// MergeJobConfig holds the options the merge job driver (internal/job) reads
// at startup, mirroring the recognized options of the original bot:
// add_reviewers, add_tested, impersonate_approvers, ci_timeout,
// approval_timeout, embargo_intervals.
type MergeJobConfig struct {
	AddReviewers         bool          // Append a Reviewed-by trailer per approver
	AddTested            bool          // Append a Tested trailer to the tip commit
	ImpersonateApprovers bool          // Re-apply approvals as the original approvers after rewrite (requires admin)
	CITimeout            time.Duration // Max wait for a matching pipeline to reach a terminal status
	ApprovalTimeout      time.Duration // Max wait for approvals to reset after a rewrite
	CIPollInterval       time.Duration // Cadence of pipeline status polling
	ApprovalPollInterval time.Duration // Cadence of approval-reset polling
	MaxRebaseIterations  int           // Cap on Accept->Rebase re-entries after a 406
	ProjectRegexp        string        // Only operate on projects whose path matches this regexp
	SSHKeyFile           string        // Path to a deploy key; read from the environment but not passed to the git subprocesses, which use the process's default SSH setup
	EmbargoFile          string        // Optional path to a YAML file of embargo intervals
	EmbargoIntervals     []EmbargoInterval
}

// EmbargoInterval is a recurring weekly window during which the poll loop
// skips its sweep, so it starts no merge jobs. Jobs started from the webhook
// do not consult embargo windows. Start/End are "HH:MM" in UTC.
type EmbargoInterval struct {
	Weekday time.Weekday `yaml:"weekday"`
	Start   string       `yaml:"start"`
	End     string       `yaml:"end"`
}

// Covers reports whether t falls inside this embargo window.
func (e EmbargoInterval) Covers(t time.Time) bool {
	if t.Weekday() != e.Weekday {
		return false
	}
	start, err := time.Parse("15:04", e.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", e.End)
	if err != nil {
		return false
	}
	minuteOfDay := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	return minuteOfDay >= startMin && minuteOfDay < endMin
}

// GitLabConfig holds GitLab API configuration
type GitLabConfig struct {
	BaseURL            string
	Token              string
	GitlabStaleMRToken string // Optional: dedicated token for stale MR cleanup
	InsecureTLS        bool   // Skip TLS certificate verification
	CACertPath         string // Path to custom CA certificate file
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
}

// WebhookConfig holds webhook security configuration
type WebhookConfig struct {
	Secret     string   // GitLab webhook secret token
	AllowedIPs []string // Optional: restrict webhook calls to specific IPs
}

// CommentsConfig holds MR comments and messages configuration
type CommentsConfig struct {
	EnableMRComments       bool   // Enable/disable MR commenting
	CommentVerbosity       string // Comment verbosity level (basic, detailed, debug)
	UpdateExistingComments bool   // Update existing comments instead of creating new ones
}

// RulesConfig holds rule-specific configuration
type RulesConfig struct {
	EnabledRules            []string                      // List of enabled rule names
	DisabledRules           []string                      // List of disabled rule names
	DataProductConsumerRule DataProductConsumerRuleConfig // Consumer access rule configuration
	MigrationsRule          MigrationsRuleConfig          // Migrations validation configuration
	NamingRule              NamingRuleConfig              // Naming conventions configuration
	ServiceAccountRule      ServiceAccountRuleConfig      // Service account rule configuration
	TOCApprovalRule         TOCApprovalRuleConfig         // TOC approval rule configuration
	WarehouseRule           WarehouseRuleConfig           // Warehouse rule configuration
}

// WarehouseRuleConfig holds warehouse-specific configuration
type WarehouseRuleConfig struct {
	AllowTOCBypass       bool     // Allow bypassing TOC approval for specific cases
	PlatformEnvironments []string // Environments requiring platform approval
	AutoApproveEnvs      []string // Environments allowing auto-approval
}

// ServiceAccountRuleConfig holds service account validation configuration
type ServiceAccountRuleConfig struct {
	ValidateEmailFormat      bool     // Enable email format validation
	RequireIndividualEmail   bool     // Require individual vs group emails
	AllowedDomains           []string // Allowed email domains
	AstroEnvironmentsOnly    []string // Environments where Astro service accounts are allowed
	EnforceNamingConventions bool     // Enforce naming conventions
}

// TOCApprovalRuleConfig holds TOC approval rule configuration
type TOCApprovalRuleConfig struct {
	CriticalEnvironments []string // Environments requiring TOC approval for new products
}

// DataProductConsumerRuleConfig holds data product consumer rule configuration
type DataProductConsumerRuleConfig struct {
	AllowedEnvironments []string // Environments where consumer access is allowed (preprod, prod)
}

// MigrationsRuleConfig holds migrations validation configuration
type MigrationsRuleConfig struct {
	RequirePlatformApproval bool     // Always require platform approval
	AllowSelfServicePaths   []string // Paths that allow self-service migrations
}

// NamingRuleConfig holds naming conventions configuration
type NamingRuleConfig struct {
	ValidateTagMatching      bool // Validate data_product tag matches product name
	EnforceNamingConventions bool // Enforce naming conventions
}

// ApprovalConfig holds approval workflow configuration
type ApprovalConfig struct {
	EnableAutoApproval     bool   // Enable auto-approval functionality
	EnableTOCWorkflow      bool   // Enable TOC approval workflow
	EnablePlatformWorkflow bool   // Enable platform approval workflow
	TOCGroupID             string // GitLab group ID for TOC team
	PlatformGroupID        string // GitLab group ID for platform team
}

// StaleMRConfig holds stale MR cleanup configuration
type StaleMRConfig struct {
	ClosureDays int // Days before closure (default: 30)
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		GitLab: GitLabConfig{
			BaseURL:            getEnv("GITLAB_BASE_URL", "https://gitlab.com"),
			Token:              getEnv("GITLAB_TOKEN", ""),
			GitlabStaleMRToken: getEnv("GITLAB_TOKEN_STALE_MR", ""), // Dedicated token for stale MR cleanup
			InsecureTLS:        getEnv("GITLAB_INSECURE_TLS", "false") == "true",
			CACertPath:         getEnv("GITLAB_CA_CERT_PATH", ""),
		},
		Server: ServerConfig{
			Port: getEnv("PORT", "3000"),
		},
		Webhook: WebhookConfig{
			Secret:     getEnv("WEBHOOK_SECRET", ""),
			AllowedIPs: parseIPList(getEnv("WEBHOOK_ALLOWED_IPS", "")),
		},
		Comments: CommentsConfig{
			EnableMRComments:       getEnv("ENABLE_MR_COMMENTS", "true") == "true",
			CommentVerbosity:       getEnv("COMMENT_VERBOSITY", "detailed"),
			UpdateExistingComments: getEnv("UPDATE_EXISTING_COMMENTS", "true") == "true",
		},
		Rules: RulesConfig{
			EnabledRules:  parseStringList(getEnv("ENABLED_RULES", "")),
			DisabledRules: parseStringList(getEnv("DISABLED_RULES", "")),
			DataProductConsumerRule: DataProductConsumerRuleConfig{
				AllowedEnvironments: parseStringList(getEnv("DATAPRODUCT_CONSUMER_ENVS", "preprod,prod")),
			},
			MigrationsRule: MigrationsRuleConfig{
				RequirePlatformApproval: getEnv("MIGRATIONS_REQUIRE_PLATFORM", "true") == "true",
				AllowSelfServicePaths:   parseStringList(getEnv("MIGRATIONS_SELF_SERVICE_PATHS", "")),
			},
			NamingRule: NamingRuleConfig{
				ValidateTagMatching:      getEnv("NAMING_VALIDATE_TAGS", "true") == "true",
				EnforceNamingConventions: getEnv("NAMING_ENFORCE_CONVENTIONS", "true") == "true",
			},
			ServiceAccountRule: ServiceAccountRuleConfig{
				ValidateEmailFormat:      getEnv("SA_VALIDATE_EMAIL", "true") == "true",
				RequireIndividualEmail:   getEnv("SA_REQUIRE_INDIVIDUAL_EMAIL", "true") == "true",
				AllowedDomains:           parseStringList(getEnv("SA_ALLOWED_DOMAINS", "redhat.com")),
				AstroEnvironmentsOnly:    parseStringList(getEnv("SA_ASTRO_ENVS", "preprod,prod")),
				EnforceNamingConventions: getEnv("SA_ENFORCE_NAMING", "true") == "true",
			},
			TOCApprovalRule: TOCApprovalRuleConfig{
				CriticalEnvironments: parseStringList(getEnv("TOC_APPROVAL_ENVS", "preprod,prod")),
			},
			WarehouseRule: WarehouseRuleConfig{
				AllowTOCBypass:       getEnv("WAREHOUSE_ALLOW_TOC_BYPASS", "false") == "true",
				PlatformEnvironments: parseStringList(getEnv("WAREHOUSE_PLATFORM_ENVS", "preprod,prod")),
				AutoApproveEnvs:      parseStringList(getEnv("WAREHOUSE_AUTO_APPROVE_ENVS", "dev,sandbox")),
			},
		},
		Approval: ApprovalConfig{
			EnableAutoApproval:     getEnv("ENABLE_AUTO_APPROVAL", "true") == "true",
			EnableTOCWorkflow:      getEnv("ENABLE_TOC_WORKFLOW", "true") == "true",
			EnablePlatformWorkflow: getEnv("ENABLE_PLATFORM_WORKFLOW", "true") == "true",
			TOCGroupID:             getEnv("TOC_GROUP_ID", ""),
			PlatformGroupID:        getEnv("PLATFORM_GROUP_ID", ""),
		},
		StaleMR: StaleMRConfig{
			ClosureDays: getEnvInt("STALE_MR_CLOSURE_DAYS", 30),
		},
		MergeJob: MergeJobConfig{
			AddReviewers:         getEnv("MERGE_JOB_ADD_REVIEWERS", "false") == "true",
			AddTested:            getEnv("MERGE_JOB_ADD_TESTED", "false") == "true",
			ImpersonateApprovers: getEnv("MERGE_JOB_IMPERSONATE_APPROVERS", "false") == "true",
			CITimeout:            getEnvDuration("MERGE_JOB_CI_TIMEOUT", 15*time.Minute),
			ApprovalTimeout:      getEnvDuration("MERGE_JOB_APPROVAL_TIMEOUT", 2*time.Minute),
			CIPollInterval:       getEnvDuration("MERGE_JOB_CI_POLL_INTERVAL", 10*time.Second),
			ApprovalPollInterval: getEnvDuration("MERGE_JOB_APPROVAL_POLL_INTERVAL", 1*time.Second),
			MaxRebaseIterations:  getEnvInt("MERGE_JOB_MAX_REBASE_ITERATIONS", 5),
			ProjectRegexp:        getEnv("MERGE_JOB_PROJECT_REGEXP", ".*"),
			SSHKeyFile:           getEnv("MERGE_JOB_SSH_KEY_FILE", ""),
			EmbargoFile:          getEnv("MERGE_JOB_EMBARGO_FILE", ""),
		},
	}
}

// LoadEmbargoIntervals reads the weekly embargo windows from a YAML file of
// the form:
//
//	- weekday: 5
//	  start: "16:00"
//	  end: "23:59"
func LoadEmbargoIntervals(path string) ([]EmbargoInterval, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embargo file %s: %w", path, err)
	}
	var intervals []EmbargoInterval
	if err := yaml.Unmarshal(raw, &intervals); err != nil {
		return nil, fmt.Errorf("failed to parse embargo file %s: %w", path, err)
	}
	return intervals, nil
}

// Validate enforces FatalConfiguration: add_reviewers and
// impersonate_approvers both require the bot user to be a forge admin.
// Called once at startup after the bot's own user identity is resolved.
func (c *Config) Validate(botIsAdmin bool) error {
	if !botIsAdmin {
		if c.MergeJob.ImpersonateApprovers {
			return fmt.Errorf("fatal configuration: impersonate_approvers requires an admin bot user")
		}
		if c.MergeJob.AddReviewers {
			return fmt.Errorf("fatal configuration: add_reviewers requires an admin bot user")
		}
	}
	return nil
}

// HasGitLabToken returns true if GitLab token is configured
func (c *Config) HasGitLabToken() bool {
	return c.GitLab.Token != ""
}

// AnalysisMode returns a description of the current analysis mode
func (c *Config) AnalysisMode() string {
	if c.HasGitLabToken() {
		return "Full YAML analysis"
	}
	return "Limited (no GitLab token)"
}

// HasWebhookSecret returns true if webhook secret is configured
func (c *Config) HasWebhookSecret() bool {
	return c.Webhook.Secret != ""
}

// WebhookSecurityMode returns a description of the current webhook security mode
func (c *Config) WebhookSecurityMode() string {
	if c.HasWebhookSecret() {
		return "Token verification available"
	}
	return "No secret configured"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseIPList parses a comma-separated list of IP addresses
func parseIPList(ipString string) []string {
	if ipString == "" {
		return []string{}
	}
	ips := strings.Split(ipString, ",")
	result := make([]string, 0) // Initialize to empty slice, not nil
	for _, ip := range ips {
		if trimmed := strings.TrimSpace(ip); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseStringList parses a comma-separated list of strings
func parseStringList(s string) []string {
	if s == "" {
		return []string{}
	}
	items := strings.Split(s, ",")
	result := make([]string, 0) // Initialize to empty slice, not nil
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
