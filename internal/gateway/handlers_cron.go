package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/clawgate/internal/cron"
	"github.com/roelfdiedericks/clawgate/internal/routing"
	"github.com/roelfdiedericks/clawgate/internal/session"
)

type cronAddParams struct {
	Name           string        `json:"name,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	Schedule       cron.Schedule `json:"schedule"`
	SessionTarget  string        `json:"sessionTarget,omitempty"`
	WakeMode       string        `json:"wakeMode,omitempty"`
	Payload        cron.Payload  `json:"payload"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
}

func (g *Gateway) handleCronAdd(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params cronAddParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed cron params: %v", err)
	}
	if err := cron.ValidateSchedule(params.Schedule); err != nil {
		return nil, Errf(CodeInvalidRequest, "invalid schedule: %v", err)
	}
	if params.Payload.GetPrompt() == "" {
		return nil, Errf(CodeInvalidRequest, "cron payload requires a message or text")
	}

	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}
	target := params.SessionTarget
	if target == "" {
		target = session.MainKey
	}

	job := &cron.CronJob{
		Name:           params.Name,
		Enabled:        enabled,
		Schedule:       params.Schedule,
		SessionTarget:  target,
		WakeMode:       params.WakeMode,
		Payload:        params.Payload,
		DeleteAfterRun: params.DeleteAfterRun,
	}
	if err := g.cron.Store().AddJob(job); err != nil {
		return nil, Errf(CodeUnavailable, "failed to add job: %v", err)
	}
	g.cron.Reschedule()

	return map[string]any{"job": job}, nil
}

type cronUpdateParams struct {
	ID             string         `json:"id"`
	Name           *string        `json:"name,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	Schedule       *cron.Schedule `json:"schedule,omitempty"`
	SessionTarget  *string        `json:"sessionTarget,omitempty"`
	WakeMode       *string        `json:"wakeMode,omitempty"`
	Payload        *cron.Payload  `json:"payload,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
}

func (g *Gateway) handleCronUpdate(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params cronUpdateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed cron params: %v", err)
	}
	if params.Schedule != nil {
		if err := cron.ValidateSchedule(*params.Schedule); err != nil {
			return nil, Errf(CodeInvalidRequest, "invalid schedule: %v", err)
		}
	}

	err := g.cron.Store().MutateJob(params.ID, func(j *cron.CronJob) {
		if params.Name != nil {
			j.Name = *params.Name
		}
		if params.Enabled != nil {
			j.Enabled = *params.Enabled
		}
		if params.Schedule != nil {
			j.Schedule = *params.Schedule
		}
		if params.SessionTarget != nil {
			j.SessionTarget = *params.SessionTarget
		}
		if params.WakeMode != nil {
			j.WakeMode = *params.WakeMode
		}
		if params.Payload != nil {
			j.Payload = *params.Payload
		}
		if params.DeleteAfterRun != nil {
			j.DeleteAfterRun = *params.DeleteAfterRun
		}
	})
	if err != nil {
		return nil, cronError(err)
	}
	g.cron.Reschedule()

	return map[string]any{"job": g.cron.Store().GetJob(params.ID)}, nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func (g *Gateway) handleCronRemove(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params cronIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed cron params: %v", err)
	}

	if err := g.cron.Store().DeleteJob(params.ID); err != nil {
		return nil, cronError(err)
	}
	g.cron.History().DeleteHistory(params.ID)
	g.cron.Reschedule()

	return map[string]any{"id": params.ID, "removed": true}, nil
}

func (g *Gateway) handleCronList(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	return map[string]any{"jobs": g.cron.Store().GetAllJobs()}, nil
}

func (g *Gateway) handleCronStatus(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	return map[string]any{
		"running": g.cron.IsRunning(),
		"jobs":    g.cron.Store().Count(),
		"enabled": g.cron.Store().EnabledCount(),
	}, nil
}

// handleCronRun fires a job now, outside its schedule.
func (g *Gateway) handleCronRun(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params cronIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed cron params: %v", err)
	}

	if err := g.cron.ExecuteJob(context.Background(), params.ID); err != nil {
		return nil, cronError(err)
	}
	return map[string]any{"id": params.ID, "ran": true}, nil
}

type cronRunsParams struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

func (g *Gateway) handleCronRuns(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params cronRunsParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed cron params: %v", err)
	}

	records, err := g.cron.History().Runs(params.ID, params.Limit)
	if err != nil {
		return nil, Errf(CodeUnavailable, "failed to read run history: %v", err)
	}
	return map[string]any{"id": params.ID, "runs": records}, nil
}

func cronError(err error) *Error {
	if errors.Is(err, cron.ErrNotFound) {
		return Errf(CodeNotFound, "%v", err)
	}
	return Errf(CodeUnavailable, "%v", err)
}

// RunCronJob implements cron.Dispatcher: a fired job becomes a
// synthetic agent request against the job's target session.
func (g *Gateway) RunCronJob(ctx context.Context, job *cron.CronJob) (string, error) {
	sessionKey := job.SessionTarget
	if sessionKey == "" {
		sessionKey = session.MainKey
	}

	sess, err := g.sessions.GetOrCreate(sessionKey)
	if err != nil {
		return "", fmt.Errorf("session store unavailable: %w", err)
	}

	res := g.resolver.Resolve(routing.Request{
		Channel: job.Payload.Channel,
		To:      job.Payload.To,
		Deliver: job.Payload.Deliver,
	}, sess)
	if job.Payload.BestEffortDeliver {
		res.BestEffortDeliver = true
	}

	// Per-job overrides ride on the (cloned) session entry.
	if job.Payload.Model != "" {
		sess.Model = job.Payload.Model
	}
	if job.Payload.Thinking != "" {
		sess.ThinkingLevel = job.Payload.Thinking
	}

	runID := uuid.New().String()
	payload, gwErr := g.executeRun(ctx, runID, sessionKey, sess, job.Payload.GetPrompt(), res)
	if gwErr != nil {
		return "", gwErr
	}

	if m, ok := payload.(map[string]any); ok {
		if m["status"] == "error" {
			return "", fmt.Errorf("%v", m["error"])
		}
		if payloads, ok := m["payloads"].([]string); ok && len(payloads) > 0 {
			return payloads[0], nil
		}
	}
	return "", nil
}
