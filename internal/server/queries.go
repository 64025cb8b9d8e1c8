package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"flowkernel/internal/engine/auth"
	"flowkernel/internal/record"
	"flowkernel/internal/repo"
	"flowkernel/internal/state"
)

var queryErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func notFound(what string, key int64) huma.StatusError {
	return newAPIError(http.StatusNotFound, "not_found", what+" "+strconv.FormatInt(key, 10)+" not found", nil)
}

func registerStatus(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Partition status",
		Errors:      queryErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		last, err := g.repo.LastPosition(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		processed, err := g.repo.LastProcessedPosition(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := g.repo.CountByType(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{
			PartitionID:    g.partition.ID(),
			LastPosition:   last,
			ProcessedUntil: processed,
			RecordCounts:   counts,
		}
		g.partition.View(func(st *state.State) {
			resp.UserTasks = len(st.UserTasks.All())
			resp.Jobs = len(st.Jobs.All())
			resp.Incidents = len(st.Incidents.All())
		})
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and its effective permissions",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := MeResponse{
			Username:    principal.Username,
			Source:      principal.Source,
			Permissions: map[string]map[string][]string{},
		}
		g.partition.View(func(st *state.State) {
			if u, ok := st.Identities.UserByUsername(principal.Username); ok {
				resp.UserKey = u.UserKey
			}
			resp.Groups = nonNilSlice(st.Identities.GroupsOf(principal.Username))
			checker := auth.Checker{Authorizations: st.Authorizations, Owners: st.Identities, Enabled: true}
			for _, rt := range record.ResourceTypes() {
				for _, pt := range rt.SupportedPermissionTypes() {
					ids := checker.ResourceIDs(principal.Username, rt, pt)
					if len(ids) == 0 {
						continue
					}
					if resp.Permissions[string(rt)] == nil {
						resp.Permissions[string(rt)] = map[string][]string{}
					}
					resp.Permissions[string(rt)][string(pt)] = ids
				}
			}
		})
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerIdentityQueries(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      queryErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		out := []UserResponse{}
		g.partition.View(func(st *state.State) {
			for _, u := range st.Identities.Users() {
				out = append(out, userResponse(u))
			}
		})
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-group",
		Method:      http.MethodGet,
		Path:        "/groups/{key}",
		Summary:     "Get group with members",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *keyPath) (*struct {
		Body GroupResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			group state.Group
			ok    bool
		)
		g.partition.View(func(st *state.State) { group, ok = st.Identities.Group(input.Key) })
		if !ok {
			return nil, notFound("group", input.Key)
		}
		return &struct {
			Body GroupResponse `json:"body"`
		}{Body: groupResponse(group)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-authorizations",
		Method:      http.MethodGet,
		Path:        "/authorizations",
		Summary:     "List authorizations, optionally of one owner",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *struct {
		OwnerKey int64 `query:"ownerKey"`
	}) (*struct {
		Body []record.AuthorizationRecord `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		var out []record.AuthorizationRecord
		missing := false
		g.partition.View(func(st *state.State) {
			if input.OwnerKey == 0 {
				out = st.Authorizations.All()
				return
			}
			owner, ok := st.Identities.Owner(input.OwnerKey)
			if !ok {
				missing = true
				return
			}
			out = st.Authorizations.ByOwner(owner.Type, owner.ID)
		})
		if missing {
			return nil, notFound("owner", input.OwnerKey)
		}
		return &struct {
			Body []record.AuthorizationRecord `json:"body"`
		}{Body: nonNilSlice(out)}, nil
	})
}

func registerUserTaskQueries(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-user-tasks",
		Method:      http.MethodGet,
		Path:        "/user-tasks",
		Summary:     "List user tasks",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *struct {
		State    string `query:"state"`
		Assignee string `query:"assignee"`
	}) (*struct {
		Body []UserTaskResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		out := []UserTaskResponse{}
		g.partition.View(func(st *state.State) {
			for _, t := range st.UserTasks.All() {
				if input.State != "" && string(t.State) != input.State {
					continue
				}
				if input.Assignee != "" && t.Assignee != input.Assignee {
					continue
				}
				out = append(out, userTaskResponse(t))
			}
		})
		return &struct {
			Body []UserTaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user-task",
		Method:      http.MethodGet,
		Path:        "/user-tasks/{key}",
		Summary:     "Get user task",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *keyPath) (*struct {
		Body UserTaskResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			task state.UserTask
			ok   bool
		)
		g.partition.View(func(st *state.State) { task, ok = st.UserTasks.Get(input.Key) })
		if !ok {
			return nil, notFound("user task", input.Key)
		}
		return &struct {
			Body UserTaskResponse `json:"body"`
		}{Body: userTaskResponse(task)}, nil
	})
}

func registerJobQueries(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List live jobs",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		State string `query:"state"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		out := []JobResponse{}
		g.partition.View(func(st *state.State) {
			for _, j := range st.Jobs.All() {
				if input.Type != "" && j.Type != input.Type {
					continue
				}
				if input.State != "" && string(j.State) != input.State {
					continue
				}
				out = append(out, jobResponse(j))
			}
		})
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{key}",
		Summary:     "Get job",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *keyPath) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			job state.Job
			ok  bool
		)
		g.partition.View(func(st *state.State) { job, ok = st.Jobs.Get(input.Key) })
		if !ok {
			return nil, notFound("job", input.Key)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}

func registerIncidentQueries(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List open incidents",
		Errors:      queryErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []IncidentResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		out := []IncidentResponse{}
		g.partition.View(func(st *state.State) {
			for _, inc := range st.Incidents.All() {
				out = append(out, incidentResponse(inc))
			}
		})
		return &struct {
			Body []IncidentResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{key}",
		Summary:     "Get incident",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *keyPath) (*struct {
		Body IncidentResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			inc state.Incident
			ok  bool
		)
		g.partition.View(func(st *state.State) { inc, ok = st.Incidents.Get(input.Key) })
		if !ok {
			return nil, notFound("incident", input.Key)
		}
		return &struct {
			Body IncidentResponse `json:"body"`
		}{Body: incidentResponse(inc)}, nil
	})
}

func registerRecords(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "Read the committed record stream",
		Description: "Records after the cursor position in log order. Start from cursor 0 to replay the whole log.",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *struct {
		Cursor     int64    `query:"cursor"`
		Limit      int      `query:"limit" default:"50"`
		RecordType string   `query:"record_type"`
		ValueType  []string `query:"value_type"`
		Key        int64    `query:"key"`
		RequestID  string   `query:"request_id"`
	}) (*struct {
		Body paginatedRecords `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Cursor < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		switch record.RecordType(input.RecordType) {
		case "", record.TypeCommand, record.TypeEvent, record.TypeCommandRejection:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid record_type", map[string]any{"record_type": input.RecordType})
		}
		limit := normalizeLimit(input.Limit)
		filter := repo.RecordFilter{
			After:      input.Cursor,
			Limit:      limit + 1,
			RecordType: record.RecordType(input.RecordType),
			Key:        input.Key,
			RequestID:  input.RequestID,
		}
		for _, vt := range input.ValueType {
			filter.ValueTypes = append(filter.ValueTypes, record.ValueType(vt))
		}
		items, err := g.repo.RecordsAfter(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRecords{Items: []RecordResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Position, 10)
		}
		for _, rec := range items {
			resp.Items = append(resp.Items, recordResponse(rec))
		}
		return &struct {
			Body paginatedRecords `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, g gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/api-keys",
		Summary:     "Create an API key for the caller",
		Description: "The key is returned once; only its hash is stored.",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body" required:"false"`
	}) (*struct {
		Body CreatedAPIKey `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		created, err := CreateAPIKey(ctx, g.repo, principal.Username, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKey `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
		Errors:      queryErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []repo.APIKey `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := g.repo.ListAPIKeys(ctx, principal.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.APIKey `json:"body"`
		}{Body: nonNilSlice(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete one of the caller's API keys",
		Errors:      queryErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := g.repo.ListAPIKeys(ctx, principal.Username)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range keys {
			if k.ID == input.ID {
				return &struct{}{}, handleError(g.repo.DeleteAPIKey(ctx, k.ID))
			}
		}
		return nil, handleError(repo.ErrNotFound)
	})
}

// CreateAPIKey generates a random key for principal and stores its hash.
func CreateAPIKey(ctx context.Context, r repo.Repo, principal, name string) (CreatedAPIKey, error) {
	if principal == "" {
		return CreatedAPIKey{}, errors.New("principal required")
	}
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return CreatedAPIKey{}, err
	}
	raw := "fk_" + hex.EncodeToString(secret)
	key := repo.APIKey{
		ID:        uuid.NewString(),
		Principal: principal,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		return CreatedAPIKey{}, err
	}
	stored, err := r.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		return CreatedAPIKey{}, err
	}
	return CreatedAPIKey{APIKey: stored, Key: raw}, nil
}
