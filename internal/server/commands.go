package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"flowkernel/internal/record"
)

type keyPath struct {
	Key int64 `path:"key"`
}

func registerIdentities(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "create-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Create user",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentCreate, -1, record.UserRecord{
			Username: input.Body.Username,
			Name:     input.Body.Name,
			Email:    input.Body.Email,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-user",
		Method:      http.MethodDelete,
		Path:        "/users/{key}",
		Summary:     "Delete user",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *keyPath) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentDelete, input.Key, record.UserRecord{UserKey: input.Key}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-group",
		Method:      http.MethodPost,
		Path:        "/groups",
		Summary:     "Create group",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateGroupRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentCreate, -1, record.GroupRecord{
			GroupID: input.Body.GroupID,
			Name:    input.Body.Name,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-group",
		Method:      http.MethodDelete,
		Path:        "/groups/{key}",
		Summary:     "Delete group",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *keyPath) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentDelete, input.Key, record.GroupRecord{GroupKey: input.Key}))
	})

	type memberPath struct {
		Key     int64 `path:"key"`
		UserKey int64 `path:"userKey"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "add-group-member",
		Method:      http.MethodPut,
		Path:        "/groups/{key}/users/{userKey}",
		Summary:     "Add a user to a group",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *memberPath) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentAddEntity, input.Key, record.GroupRecord{GroupKey: input.Key, EntityKey: input.UserKey}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-group-member",
		Method:      http.MethodDelete,
		Path:        "/groups/{key}/users/{userKey}",
		Summary:     "Remove a user from a group",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *memberPath) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentRemoveEntity, input.Key, record.GroupRecord{GroupKey: input.Key, EntityKey: input.UserKey}))
	})
}

func registerAuthorizations(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "create-authorization",
		Method:      http.MethodPost,
		Path:        "/authorizations",
		Summary:     "Create authorization",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body AuthorizationRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentCreate, -1, input.Body.value()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-authorization",
		Method:      http.MethodPut,
		Path:        "/authorizations/{key}",
		Summary:     "Replace authorization",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64                `path:"key"`
		Body AuthorizationRequest `json:"body"`
	}) (*recordOutput, error) {
		value := input.Body.value()
		value.AuthorizationKey = input.Key
		return g.execute(ctx, record.NewCommand(record.IntentUpdate, input.Key, value))
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-authorization",
		Method:      http.MethodDelete,
		Path:        "/authorizations/{key}",
		Summary:     "Delete authorization",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *keyPath) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentDelete, input.Key, record.AuthorizationRecord{AuthorizationKey: input.Key}))
	})

	type permissionsInput struct {
		OwnerKey int64              `path:"ownerKey"`
		Body     PermissionsRequest `json:"body"`
	}
	permissions := func(intent record.Intent) func(context.Context, *permissionsInput) (*recordOutput, error) {
		return func(ctx context.Context, input *permissionsInput) (*recordOutput, error) {
			return g.execute(ctx, record.NewCommand(intent, input.OwnerKey, record.AuthorizationRecord{
				OwnerKey:     input.OwnerKey,
				ResourceType: input.Body.ResourceType,
				Permissions:  permissionValues(input.Body.Permissions),
			}))
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "add-permissions",
		Method:      http.MethodPost,
		Path:        "/owners/{ownerKey}/permissions/add",
		Summary:     "Grant permissions to a user or group",
		Errors:      commandErrors,
	}, permissions(record.IntentAddPermission))
	huma.Register(api, huma.Operation{
		OperationID: "remove-permissions",
		Method:      http.MethodPost,
		Path:        "/owners/{ownerKey}/permissions/remove",
		Summary:     "Revoke permissions from a user or group",
		Errors:      commandErrors,
	}, permissions(record.IntentRemovePermission))
}

func (r AuthorizationRequest) value() record.AuthorizationRecord {
	return record.AuthorizationRecord{
		OwnerKey:                 r.OwnerKey,
		ResourceType:             r.ResourceType,
		ResourceID:               r.ResourceID,
		AuthorizationPermissions: r.Permissions,
	}
}

func registerUserTasks(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "create-user-task",
		Method:      http.MethodPost,
		Path:        "/user-tasks",
		Summary:     "Create user task",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserTaskRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentCreate, -1, input.Body.value()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-user-task",
		Method:      http.MethodPost,
		Path:        "/user-tasks/{key}/assignment",
		Summary:     "Assign user task",
		Description: "Answers once the assigning task listeners finished.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64                 `path:"key"`
		Body AssignUserTaskRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentAssign, input.Key, record.UserTaskRecord{
			Assignee: input.Body.Assignee,
			Action:   input.Body.Action,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-user-task",
		Method:      http.MethodPost,
		Path:        "/user-tasks/{key}/claim",
		Summary:     "Claim user task",
		Description: "Assigns the task to the given assignee, or to the caller when none is given.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64                 `path:"key"`
		Body AssignUserTaskRequest `json:"body" required:"false"`
	}) (*recordOutput, error) {
		assignee := input.Body.Assignee
		if assignee == "" {
			if p, ok := principalFromContext(ctx); ok {
				assignee = p.Username
			}
		}
		return g.execute(ctx, record.NewCommand(record.IntentClaim, input.Key, record.UserTaskRecord{
			Assignee: assignee,
			Action:   input.Body.Action,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user-task",
		Method:      http.MethodPatch,
		Path:        "/user-tasks/{key}",
		Summary:     "Update user task attributes",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64                 `path:"key"`
		Body UpdateUserTaskRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentUpdate, input.Key, input.Body.value()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-user-task",
		Method:      http.MethodPost,
		Path:        "/user-tasks/{key}/completion",
		Summary:     "Complete user task",
		Description: "Answers once the completing task listeners finished.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64                   `path:"key"`
		Body CompleteUserTaskRequest `json:"body" required:"false"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentComplete, input.Key, record.UserTaskRecord{
			Variables: input.Body.Variables,
			Action:    input.Body.Action,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-user-task",
		Method:      http.MethodPost,
		Path:        "/user-tasks/{key}/cancellation",
		Summary:     "Cancel user task",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64                 `path:"key"`
		Body CancelUserTaskRequest `json:"body" required:"false"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentCancel, input.Key, record.UserTaskRecord{Action: input.Body.Action}))
	})
}

func registerJobs(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "create-job",
		Method:      http.MethodPost,
		Path:        "/jobs",
		Summary:     "Create job",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentCreate, -1, record.JobRecord{
			Type:          input.Body.Type,
			Retries:       input.Body.Retries,
			BpmnProcessID: input.Body.BpmnProcessID,
			ElementID:     input.Body.ElementID,
			Variables:     input.Body.Variables,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-jobs",
		Method:      http.MethodPost,
		Path:        "/jobs/activation",
		Summary:     "Activate jobs",
		Description: "With requestTimeout set, waits until a job of the type becomes activatable or the timeout passes.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body ActivateJobsRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.activate(ctx, input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{key}/completion",
		Summary:     "Complete job",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64              `path:"key"`
		Body CompleteJobRequest `json:"body" required:"false"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentComplete, input.Key, record.JobRecord{
			Variables: input.Body.Variables,
			Result: record.JobResult{
				Denied:              input.Body.Result.Denied,
				Corrections:         input.Body.Result.Corrections,
				CorrectedAttributes: input.Body.Result.CorrectedAttributes,
			},
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{key}/failure",
		Summary:     "Fail job",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64          `path:"key"`
		Body FailJobRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentFail, input.Key, record.JobRecord{
			Retries:      input.Body.Retries,
			ErrorMessage: input.Body.ErrorMessage,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-job-retries",
		Method:      http.MethodPatch,
		Path:        "/jobs/{key}/retries",
		Summary:     "Update job retries",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Key  int64                `path:"key"`
		Body UpdateRetriesRequest `json:"body"`
	}) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentUpdateRetries, input.Key, record.JobRecord{Retries: input.Body.Retries}))
	})
}

// activate activates jobs, long-polling while none are activatable. Each
// attempt is a command of its own.
func (g gateway) activate(ctx context.Context, req ActivateJobsRequest) (*recordOutput, error) {
	cmd := record.NewCommand(record.IntentActivate, -1, record.JobBatchRecord{
		Type:              req.Type,
		Worker:            req.Worker,
		Timeout:           req.Timeout,
		MaxJobsToActivate: req.MaxJobsToActivate,
	})
	if req.RequestTimeout <= 0 || g.notifier == nil {
		return g.execute(ctx, cmd)
	}
	signals, stop, err := g.notifier.Subscribe(ctx, req.Type)
	if err != nil {
		g.logger.Warn("job notifications unavailable; activating without waiting", "job_type", req.Type, "error", err)
		return g.execute(ctx, cmd)
	}
	defer stop()
	wait := time.NewTimer(time.Duration(req.RequestTimeout) * time.Millisecond)
	defer wait.Stop()
	for {
		out, err := g.execute(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if batch, ok := out.Body.Value.(record.JobBatchRecord); !ok || len(batch.JobKeys) > 0 {
			return out, nil
		}
		select {
		case <-signals:
		case <-wait.C:
			return out, nil
		case <-ctx.Done():
			return out, nil
		}
	}
}

func registerIncidents(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{key}/resolution",
		Summary:     "Resolve incident",
		Description: "Reactivates the failed job when it has retries left; otherwise a new incident is raised.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *keyPath) (*recordOutput, error) {
		return g.execute(ctx, record.NewCommand(record.IntentResolve, input.Key, record.IncidentRecord{}))
	})
}
