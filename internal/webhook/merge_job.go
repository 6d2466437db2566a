package webhook

import (
	"context"
	"fmt"

	fiber "github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/redhat-data-and-ai/naysayer/internal/clock"
	"github.com/redhat-data-and-ai/naysayer/internal/config"
	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/gitrepo"
	"github.com/redhat-data-and-ai/naysayer/internal/job"
	"github.com/redhat-data-and-ai/naysayer/internal/logging"
)

// MergeJobRunner is the subset of *job.Job that MergeJobHandler depends on,
// so tests can substitute a recording fake instead of a real state machine.
type MergeJobRunner interface {
	Execute(ctx context.Context, projectID, iid int) (ok bool, reason string)
}

// defaultRepoRoot is where the job driver keeps its local git worktrees, one
// per project, reused across runs (see gitrepo.Manager).
const defaultRepoRoot = "/var/lib/naysayer/repos"

// MergeJobHandler is the "bot reassigned" webhook ingress: on a
// merge_request event whose assignee is the bot itself, it starts a merge
// job. A merge_request event assigned to someone else is acknowledged and
// skipped; any other event kind, or a payload missing the MR identity, is
// rejected with 400.
type MergeJobHandler struct {
	runner    MergeJobRunner
	forge     *gitlab.Client
	repos     *gitrepo.Manager
	opts      job.Options
	botUserID int
}

// NewMergeJobHandler wires a forge client and git worktree manager from cfg;
// a fresh *job.Job is constructed per request so each gets the right repo
// for its project.
func NewMergeJobHandler(cfg *config.Config, botUserID int) *MergeJobHandler {
	gitlabClient := gitlab.NewClient(cfg.GitLab)
	repoManager := gitrepo.NewManager(defaultRepoRoot)

	opts := job.Options{
		AddReviewers:         cfg.MergeJob.AddReviewers,
		AddTested:            cfg.MergeJob.AddTested,
		ImpersonateApprovers: cfg.MergeJob.ImpersonateApprovers,
		BotName:              "naysayer",
		CITimeout:            cfg.MergeJob.CITimeout,
		ApprovalTimeout:      cfg.MergeJob.ApprovalTimeout,
		CIPollInterval:       cfg.MergeJob.CIPollInterval,
		ApprovalPollInterval: cfg.MergeJob.ApprovalPollInterval,
		MaxRebaseIterations:  cfg.MergeJob.MaxRebaseIterations,
	}

	return &MergeJobHandler{forge: gitlabClient, repos: repoManager, opts: opts, botUserID: botUserID}
}

// NewMergeJobHandlerWithRunner wires a handler around a caller-supplied
// runner, for tests that want to assert on which (projectID, iid) pairs
// were dispatched without driving the real state machine.
func NewMergeJobHandlerWithRunner(runner MergeJobRunner, botUserID int) *MergeJobHandler {
	return &MergeJobHandler{runner: runner, botUserID: botUserID}
}

// jobFor builds a *job.Job wired to the repo for this project, or returns
// the fixed runner supplied via NewMergeJobHandlerWithRunner.
func (h *MergeJobHandler) jobFor(ctx context.Context, projectID int, remoteURL string) (MergeJobRunner, error) {
	if h.runner != nil {
		return h.runner, nil
	}
	repo, err := h.repos.RepoFor(ctx, projectID, remoteURL)
	if err != nil {
		return nil, err
	}
	jobLogger := logging.NewJobLogger(nil)
	return job.New(h.forge, repo, &clock.Real{}, jobLogger, h.opts, h.botUserID), nil
}

// HandleWebhook handles merge_request events, starting a job in the
// background when the bot is the assignee. Events assigned to someone else
// are acknowledged and skipped; other event kinds and malformed payloads
// get a 400 response.
func (h *MergeJobHandler) HandleWebhook(c *fiber.Ctx) error {
	c.Set("Content-Type", "application/json")

	if !c.Is("json") {
		contentType := c.Get("Content-Type")
		logging.Warn("Invalid content type: %s", contentType)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("Content-Type must be application/json, got: %s", contentType),
		})
	}

	var payload map[string]interface{}
	if err := c.BodyParser(&payload); err != nil {
		logging.Error("Failed to parse payload: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("Invalid JSON payload: %v", err),
		})
	}

	eventType, _ := payload["object_kind"].(string)
	if eventType != "merge_request" {
		logging.Warn("Skipping unsupported event: %s", eventType)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("Unsupported event type: %s. Only merge_request events are supported.", eventType),
		})
	}

	attrs, _ := payload["object_attributes"].(map[string]interface{})
	if attrs == nil {
		logging.Warn("Missing object_attributes in merge_request payload")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing object_attributes in payload",
		})
	}

	assigneeID := extractAssigneeID(payload)
	if assigneeID != h.botUserID {
		return c.JSON(fiber.Map{
			"webhook_response": "processed",
			"status":           "skipped",
			"reason":           "merge request not assigned to bot",
		})
	}

	projectID := intFromJSON(attrs["target_project_id"])
	iid := intFromJSON(attrs["iid"])
	if projectID == 0 || iid == 0 {
		logging.Warn("Missing target_project_id/iid in merge_request payload")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing target_project_id or iid in payload",
		})
	}
	remoteURL, _ := extractRemoteURL(payload)

	runner, err := h.jobFor(context.Background(), projectID, remoteURL)
	if err != nil {
		logging.Error("Failed to prepare merge job: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fmt.Sprintf("failed to prepare merge job: %v", err),
		})
	}

	logging.Info("Merge request assigned to bot, starting job",
		zap.Int("project_id", projectID), zap.Int("mr_iid", iid))

	go func(projectID, iid int) {
		ok, reason := runner.Execute(context.Background(), projectID, iid)
		if !ok {
			logging.Warn("Merge job finished unsuccessfully: %s", reason)
		}
	}(projectID, iid)

	return c.JSON(fiber.Map{
		"webhook_response": "processed",
		"status":           "accepted",
		"project_id":       projectID,
		"mr_iid":           iid,
	})
}

// extractRemoteURL reads the SSH clone URL GitLab includes on every
// merge_request webhook payload under "project"."git_ssh_url".
func extractRemoteURL(payload map[string]interface{}) (string, bool) {
	project, ok := payload["project"].(map[string]interface{})
	if !ok {
		return "", false
	}
	url, ok := project["git_ssh_url"].(string)
	return url, ok
}

func extractAssigneeID(payload map[string]interface{}) int {
	if assignee, ok := payload["assignee"].(map[string]interface{}); ok {
		if id := intFromJSON(assignee["id"]); id != 0 {
			return id
		}
	}
	if attrs, ok := payload["object_attributes"].(map[string]interface{}); ok {
		if id := intFromJSON(attrs["assignee_id"]); id != 0 {
			return id
		}
	}
	return 0
}

func intFromJSON(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
