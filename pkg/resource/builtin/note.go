package builtin

import (
	"context"
	"strings"

	"github.com/ziebelje/cora/pkg/fault"
	"github.com/ziebelje/cora/pkg/resource"
)

const (
	defaultNoteLimit = 25
	maxNoteLimit     = 100
)

type noteRow struct {
	NoteID    int64  `json:"note_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

// owner scopes notes to the caller's external id, or to the session itself
// for anonymous sessions.
func owner(env *resource.Env) string {
	if env.ExternalID != "" {
		return env.ExternalID
	}
	return env.SessionToken
}

// Note is a small per-owner note store. Titles are unique per owner.
func Note(env *resource.Env) resource.Resource {
	return resource.Methods{
		"create": func(ctx context.Context, args resource.Args) (any, error) {
			title, err := args.String(0, "")
			if err != nil {
				return nil, err
			}
			title = strings.TrimSpace(title)
			if title == "" {
				return nil, fault.New(fault.KindMethod, fault.CodeInvalidInput, "title is required")
			}
			body, err := args.String(1, "")
			if err != nil {
				return nil, err
			}
			now := env.Clock().Unix()
			res, err := env.DB.Insert(ctx,
				`INSERT INTO note (owner, title, body, created_at) VALUES ($1, $2, $3, $4) RETURNING note_id`,
				owner(env), title, body, now)
			if err != nil {
				return nil, err
			}
			return noteRow{NoteID: res.LastInsertID, Title: title, Body: body, CreatedAt: now}, nil
		},
		"get": func(ctx context.Context, args resource.Args) (any, error) {
			id, err := args.Int(0, 0)
			if err != nil {
				return nil, err
			}
			var n noteRow
			found, err := env.DB.QueryOne(ctx, []any{&n.NoteID, &n.Title, &n.Body, &n.CreatedAt},
				`SELECT note_id, title, body, created_at FROM note WHERE note_id = $1 AND owner = $2`,
				id, owner(env))
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, fault.Newf(fault.KindMethod, fault.CodeNotFound, "note %d not found", id)
			}
			return n, nil
		},
		"list": func(ctx context.Context, args resource.Args) (any, error) {
			limit, err := args.Int(0, defaultNoteLimit)
			if err != nil {
				return nil, err
			}
			if limit <= 0 || limit > maxNoteLimit {
				limit = maxNoteLimit
			}
			return env.DB.Select(ctx,
				`SELECT note_id, title, body, created_at FROM note WHERE owner = $1 ORDER BY note_id LIMIT $2`,
				owner(env), limit)
		},
		"delete": func(ctx context.Context, args resource.Args) (any, error) {
			id, err := args.Int(0, 0)
			if err != nil {
				return nil, err
			}
			res, err := env.DB.Exec(ctx, `DELETE FROM note WHERE note_id = $1 AND owner = $2`, id, owner(env))
			if err != nil {
				return nil, err
			}
			return res.RowsAffected > 0, nil
		},
	}
}
