package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jpalmerr/simrunner/internal/work"
)

// timestamps sent to the control plane are second-precision UTC
const timestampLayout = "2006-01-02T15:04:05Z"

type experiment struct {
	ID         string `json:"id"`
	SourceData struct {
		EvaluationConfiguration map[string]json.RawMessage `json:"evaluation_configuration"`
	} `json:"source_data"`
}

type test struct {
	ID           string  `json:"id"`
	ExperimentID string  `json:"experiment_id"`
	Prompt       string  `json:"prompt"`
	Response     *string `json:"response"`
	Persona      string  `json:"persona"`
	ParentTestID *string `json:"parent_test_id"`
}

type connectionTest struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

func (t test) toItem(experimentID string) work.Item {
	item := work.Item{
		ID:           t.ID,
		Kind:         work.KindTest,
		ExperimentID: experimentID,
		Prompt:       t.Prompt,
		Persona:      t.Persona,
	}
	if item.ExperimentID == "" {
		item.ExperimentID = t.ExperimentID
	}
	if t.Response != nil {
		item.Response = *t.Response
	}
	if t.ParentTestID != nil {
		item.ParentID = *t.ParentTestID
	}
	return item
}

// ListPending returns the items matching f that still need work.
//
// An empty result is not an error.
func (c *Client) ListPending(ctx context.Context, f work.Filter) ([]work.Item, error) {
	switch f.Kind {
	case work.KindConnectionTest:
		return c.listConnectionTests(ctx)
	case work.KindTest, "":
		return c.listUnansweredTests(ctx, f.ExperimentID)
	case work.KindRiskEvaluation:
		if f.Risk == "" {
			return nil, errors.New("list pending: risk filter requires a risk name")
		}
		return c.listUnevaluatedTests(ctx, f.ExperimentID, f.Risk)
	default:
		return nil, fmt.Errorf("list pending: unknown kind %q", f.Kind)
	}
}

func (c *Client) listConnectionTests(ctx context.Context) ([]work.Item, error) {
	var pending []connectionTest
	q := url.Values{"status": {"pending"}}
	if err := c.getJSON(ctx, "list connection tests", "/api/connection-tests", q, &pending); err != nil {
		return nil, err
	}

	items := make([]work.Item, 0, len(pending))
	for _, ct := range pending {
		items = append(items, work.Item{
			ID:     ct.ID,
			Kind:   work.KindConnectionTest,
			Prompt: ct.Prompt,
		})
	}
	return items, nil
}

func (c *Client) listExperiments(ctx context.Context, q url.Values) ([]experiment, error) {
	var experiments []experiment
	if err := c.getJSON(ctx, "list experiments", "/api/experiments", q, &experiments); err != nil {
		return nil, err
	}
	return experiments, nil
}

func (c *Client) listTests(ctx context.Context, experimentID string, q url.Values) ([]test, error) {
	var tests []test
	path := "/api/experiments/" + url.PathEscape(experimentID) + "/tests"
	if err := c.getJSON(ctx, "list tests", path, q, &tests); err != nil {
		return nil, err
	}
	return tests, nil
}

// listUnansweredTests walks unevaluated experiments and returns tests without
// a response.
func (c *Client) listUnansweredTests(ctx context.Context, experimentID string) ([]work.Item, error) {
	ids := []string{experimentID}
	if experimentID == "" {
		experiments, err := c.listExperiments(ctx, url.Values{"evaluated": {"false"}})
		if err != nil {
			return nil, err
		}
		ids = ids[:0]
		for _, e := range experiments {
			ids = append(ids, e.ID)
		}
	}

	var items []work.Item
	for _, id := range ids {
		tests, err := c.listTests(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		for _, t := range tests {
			if t.Response != nil && *t.Response != "" {
				continue
			}
			items = append(items, t.toItem(id))
		}
	}
	return items, nil
}

// listUnevaluatedTests returns answered tests that have no evaluation for
// risk yet, across experiments whose validation is in progress and that are
// configured for that risk.
func (c *Client) listUnevaluatedTests(ctx context.Context, experimentID, risk string) ([]work.Item, error) {
	experiments, err := c.listExperiments(ctx, url.Values{"validationStatus": {"in progress"}})
	if err != nil {
		return nil, err
	}

	var items []work.Item
	for _, e := range experiments {
		if experimentID != "" && e.ID != experimentID {
			continue
		}
		if _, ok := e.SourceData.EvaluationConfiguration[risk]; !ok {
			continue
		}

		tests, err := c.listTests(ctx, e.ID, url.Values{
			"unevaluated-risk":         {risk},
			"include-risk-evaluations": {"false"},
		})
		if err != nil {
			return nil, err
		}
		for _, t := range tests {
			if t.Response == nil {
				continue
			}
			item := t.toItem(e.ID)
			item.Kind = work.KindRiskEvaluation
			item.RiskName = risk
			items = append(items, item)
		}
	}
	return items, nil
}

// FetchByID returns a single test. It is used to walk parent chains.
func (c *Client) FetchByID(ctx context.Context, experimentID, id string) (work.Item, error) {
	var t test
	path := "/api/experiments/" + url.PathEscape(experimentID) + "/tests/" + url.PathEscape(id)
	if err := c.getJSON(ctx, "fetch test", path, nil, &t); err != nil {
		return work.Item{}, err
	}
	return t.toItem(experimentID), nil
}

// SubmitSuccess records a completed item on the control plane.
func (c *Client) SubmitSuccess(ctx context.Context, item work.Item, r work.Report) error {
	switch item.Kind {
	case work.KindConnectionTest:
		payload := map[string]any{
			"response":     r.Response,
			"status":       "completed",
			"executed_by":  c.appID,
			"completed_at": c.timestamp(),
		}
		_, err := c.do(ctx, "complete connection test", http.MethodPatch, connectionTestPath(item.ID), nil, payload, http.StatusOK, http.StatusNoContent)
		return err

	case work.KindRiskEvaluation:
		if r.Judgement == nil {
			return errors.New("submit risk evaluation: report has no judgement")
		}
		payload := map[string]any{
			"test_id":        item.ID,
			"judge_prompt":   "",
			"judge_response": r.Judgement.Justification,
			"risk_type":      item.RiskName,
			"risk_triggered": r.Judgement.Triggered,
		}
		_, err := c.do(ctx, "submit risk evaluation", http.MethodPost, testPath(item)+"/evaluations", nil, payload, http.StatusCreated)
		return err

	default:
		if r.AppID == "" {
			r.AppID = c.appID
		}
		_, err := c.do(ctx, "submit test response", http.MethodPut, testPath(item), nil, r, http.StatusOK, http.StatusNoContent)
		return err
	}
}

// SubmitFailure records a failed item on the control plane.
//
// Risk evaluations have no failure resource; the failure is only logged.
func (c *Client) SubmitFailure(ctx context.Context, item work.Item, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	switch item.Kind {
	case work.KindConnectionTest:
		payload := map[string]any{
			"status":      "failed",
			"executed_by": c.appID,
			"failed_at":   c.timestamp(),
			"error":       msg,
		}
		_, err := c.do(ctx, "fail connection test", http.MethodPatch, connectionTestPath(item.ID), nil, payload, http.StatusOK, http.StatusNoContent)
		return err

	case work.KindRiskEvaluation:
		c.logger.Debug("risk evaluation failure not reported", "test_id", item.ID, "risk", item.RiskName, "error", msg)
		return nil

	default:
		payload := map[string]any{
			"status": "failed",
			"error":  msg,
		}
		_, err := c.do(ctx, "fail test", http.MethodPatch, testPath(item), nil, payload, http.StatusOK, http.StatusNoContent)
		return err
	}
}

func (c *Client) timestamp() string {
	return c.now().UTC().Format(timestampLayout)
}

func connectionTestPath(id string) string {
	return "/api/connection-tests/" + url.PathEscape(id)
}

func testPath(item work.Item) string {
	return "/api/experiments/" + url.PathEscape(item.ExperimentID) + "/tests/" + url.PathEscape(item.ID)
}
