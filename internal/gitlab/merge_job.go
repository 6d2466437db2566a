package gitlab

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MergeRequest is the projection of a forge merge request the merge job
// driver reads and mutates: exactly the fields the job state machine
// branches on.
type MergeRequest struct {
	ProjectID             int    `json:"project_id"`
	SourceProjectID       int    `json:"source_project_id"`
	TargetProjectID       int    `json:"target_project_id"`
	IID                   int    `json:"iid"`
	SourceBranch          string `json:"source_branch"`
	TargetBranch          string `json:"target_branch"`
	SHA                   string `json:"sha"`
	State                 string `json:"state"` // opened, reopened, closed, merged, locked
	WorkInProgress        bool   `json:"work_in_progress"`
	Squash                bool   `json:"squash"`
	AssigneeID            int    `json:"assignee_id"`
	AuthorID              int    `json:"author_id"`
	WebURL                string `json:"web_url"`
	ForceRemoveSourceBranch bool `json:"force_remove_source_branch"`
}

// BranchHead is the result of resolving a branch ref on the forge.
type BranchHead struct {
	SHA       string `json:"commit_sha"`
	Protected bool   `json:"protected"`
}

// Pipeline is a single forge CI pipeline run, as returned newest-first by
// ListPipelines.
type Pipeline struct {
	ID     int    `json:"id"`
	SHA    string `json:"sha"`
	Ref    string `json:"ref"`
	Status string `json:"status"` // running, pending, success, failed, canceled, skipped
}

// ApprovalState is the forge's current view of who has approved an MR.
type ApprovalState struct {
	Approvers []int `json:"approver_ids"`
	Required  int   `json:"approvals_required"`
}

// User is a forge user identity, used both for the bot itself and for MR
// authors/approvers the job impersonates.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"is_admin"`
}

// ProjectInfo is the subset of forge project attributes the job's
// preflight and Accept steps read.
type ProjectInfo struct {
	ID                                     int    `json:"id"`
	PathWithNamespace                      string `json:"path_with_namespace"`
	OnlyAllowMergeIfPipelineSucceeds       bool   `json:"only_allow_merge_if_pipeline_succeeds"`
	OnlyAllowMergeIfAllDiscussionsResolved bool   `json:"only_allow_merge_if_all_discussions_are_resolved"`
	AccessLevel                            int    `json:"-"`
}

// projectListEntry mirrors the shape GET /projects?membership=true returns,
// including the caller's own access level nested under permissions.
type projectListEntry struct {
	ProjectInfo
	Permissions struct {
		ProjectAccess *struct {
			AccessLevel int `json:"access_level"`
		} `json:"project_access"`
	} `json:"permissions"`
}

func (c *Client) apiURL(format string, args ...interface{}) string {
	return strings.TrimRight(c.config.BaseURL, "/") + "/api/v4/" + fmt.Sprintf(format, args...)
}

func (c *Client) newRequest(method, url string, body io.Reader, sudoAs string) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")
	if sudoAs != "" {
		req.Header.Set("Sudo", sudoAs)
	}
	return req, nil
}

// GetMR fetches the current state of a merge request.
func (c *Client) GetMR(projectID, iid int) (*MergeRequest, error) {
	url := c.apiURL("projects/%d/merge_requests/%d", projectID, iid)
	req, err := c.newRequest(http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "get_mr", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyGenericStatus("get_mr", resp)
	}

	var mr MergeRequest
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("decode get_mr response: %w", err)
	}
	return &mr, nil
}

// GetProject fetches project attributes relevant to merge policy.
func (c *Client) GetProject(projectID int) (*ProjectInfo, error) {
	url := c.apiURL("projects/%d", projectID)
	req, err := c.newRequest(http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "get_project", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyGenericStatus("get_project", resp)
	}
	var p ProjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode get_project response: %w", err)
	}
	return &p, nil
}

// GetBranchHead fetches the current tip SHA and protection flag of a branch.
func (c *Client) GetBranchHead(projectID int, branch string) (*BranchHead, error) {
	url := c.apiURL("projects/%d/repository/branches/%s", projectID, branch)
	req, err := c.newRequest(http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "get_branch_head", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("branch not found: %s", branch)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyGenericStatus("get_branch_head", resp)
	}

	var payload struct {
		Commit struct {
			ID string `json:"id"`
		} `json:"commit"`
		Protected bool `json:"protected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode get_branch_head response: %w", err)
	}
	return &BranchHead{SHA: payload.Commit.ID, Protected: payload.Protected}, nil
}

// ListPipelines lists pipelines for a ref, newest-first (the forge's
// default ordering).
func (c *Client) ListPipelines(projectID int, ref string) ([]Pipeline, error) {
	url := c.apiURL("projects/%d/pipelines?ref=%s", projectID, ref)
	req, err := c.newRequest(http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "list_pipelines", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyGenericStatus("list_pipelines", resp)
	}
	var pipelines []Pipeline
	if err := json.NewDecoder(resp.Body).Decode(&pipelines); err != nil {
		return nil, fmt.Errorf("decode list_pipelines response: %w", err)
	}
	return pipelines, nil
}

// GetApprovals fetches the current approval state of an MR.
func (c *Client) GetApprovals(projectID, iid int) (*ApprovalState, error) {
	url := c.apiURL("projects/%d/merge_requests/%d/approvals", projectID, iid)
	req, err := c.newRequest(http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "get_approvals", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyGenericStatus("get_approvals", resp)
	}

	var payload struct {
		ApprovedBy []struct {
			User struct {
				ID int `json:"id"`
			} `json:"user"`
		} `json:"approved_by"`
		ApprovalsRequired int `json:"approvals_required"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode get_approvals response: %w", err)
	}
	state := &ApprovalState{Required: payload.ApprovalsRequired}
	for _, a := range payload.ApprovedBy {
		state.Approvers = append(state.Approvers, a.User.ID)
	}
	return state, nil
}

// Approve approves an MR, impersonating asUser when non-empty via the Sudo
// header (requires the bot's token to belong to an admin).
func (c *Client) Approve(projectID, iid int, asUser string) error {
	url := c.apiURL("projects/%d/merge_requests/%d/approve", projectID, iid)
	req, err := c.newRequest(http.MethodPost, url, nil, asUser)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "approve", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return classifyGenericStatus("approve", resp)
	}
	return nil
}

// AcceptMROptions mirrors the body of the forge's merge endpoint.
type AcceptMROptions struct {
	SHA                      string
	RemoveSourceBranch       bool
	MergeWhenPipelineSucceeds bool
}

// AcceptMR asks the forge to merge the MR, only if its recorded head SHA
// still matches opts.SHA. A non-200 response is returned as a
// *MergeRefusedError carrying the status code so the job driver can
// disambiguate per §4.6; a transport failure is returned as a
// *TransientError.
func (c *Client) AcceptMR(projectID, iid int, opts AcceptMROptions) error {
	body, err := json.Marshal(map[string]interface{}{
		"sha":                          opts.SHA,
		"should_remove_source_branch":  opts.RemoveSourceBranch,
		"merge_when_pipeline_succeeds": opts.MergeWhenPipelineSucceeds,
	})
	if err != nil {
		return err
	}
	url := c.apiURL("projects/%d/merge_requests/%d/merge", projectID, iid)
	req, err := c.newRequest(http.MethodPut, url, strings.NewReader(string(body)), "")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "accept_mr", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return &MergeRefusedError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

// AssignMR sets the MR's assignee.
func (c *Client) AssignMR(projectID, iid, userID int) error {
	url := c.apiURL("projects/%d/merge_requests/%d?assignee_id=%d", projectID, iid, userID)
	req, err := c.newRequest(http.MethodPut, url, nil, "")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "assign_mr", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return classifyGenericStatus("assign_mr", resp)
	}
	return nil
}

// CommentMR posts a note on the MR.
func (c *Client) CommentMR(projectID, iid int, text string) error {
	return c.AddMRComment(projectID, iid, text)
}

// GetCurrentUser resolves the identity the bot's token authenticates as.
func (c *Client) GetCurrentUser() (*User, error) {
	url := c.apiURL("user")
	req, err := c.newRequest(http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "get_current_user", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyGenericStatus("get_current_user", resp)
	}
	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("decode get_current_user response: %w", err)
	}
	return &u, nil
}

// ListAssignedOpenMRs lists open MRs assigned to userID in a project,
// oldest first, used by the poll loop to pick the next job.
func (c *Client) ListAssignedOpenMRs(projectID, userID int) ([]MergeRequest, error) {
	url := c.apiURL("projects/%d/merge_requests?assignee_id=%d&state=opened&order_by=created_at&sort=asc", projectID, userID)
	req, err := c.newRequest(http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "list_assigned_open_mrs", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyGenericStatus("list_assigned_open_mrs", resp)
	}
	var mrs []MergeRequest
	if err := json.NewDecoder(resp.Body).Decode(&mrs); err != nil {
		return nil, fmt.Errorf("decode list_assigned_open_mrs response: %w", err)
	}
	return mrs, nil
}

// UsernameForUser resolves a forge user id to its username, used to build
// the Sudo header when impersonating an approver.
func (c *Client) UsernameForUser(userID int) (string, error) {
	url := c.apiURL("users/%d", userID)
	req, err := c.newRequest(http.MethodGet, url, nil, "")
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransientError{Op: "username_for_user", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", classifyGenericStatus("username_for_user", resp)
	}
	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return "", fmt.Errorf("decode username_for_user response: %w", err)
	}
	return u.Username, nil
}

// ListMyProjects lists every project the bot is a member of, with its
// access level, following RFC 5988 Link-header pagination via
// parseNextLink. Grounded on marge/bot.py's Project.fetch_all_mine.
func (c *Client) ListMyProjects() ([]ProjectInfo, error) {
	var projects []ProjectInfo
	url := c.apiURL("projects?membership=true&per_page=100")
	for url != "" {
		req, err := c.newRequest(http.MethodGet, url, nil, "")
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &TransientError{Op: "list_my_projects", Err: err}
		}
		if resp.StatusCode != http.StatusOK {
			err := classifyGenericStatus("list_my_projects", resp)
			_ = resp.Body.Close()
			return nil, err
		}
		var page []projectListEntry
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		next := parseNextLink(resp.Header.Get("Link"))
		_ = resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode list_my_projects response: %w", decodeErr)
		}
		for _, entry := range page {
			p := entry.ProjectInfo
			if entry.Permissions.ProjectAccess != nil {
				p.AccessLevel = entry.Permissions.ProjectAccess.AccessLevel
			}
			projects = append(projects, p)
		}
		url = next
	}
	return projects, nil
}

func classifyGenericStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, string(body))
}
