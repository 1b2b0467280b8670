package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
)

type Access string

const (
	AccessRead   Access = "read"
	AccessCreate Access = "create"
	AccessUpdate Access = "update"
	AccessDelete Access = "delete"
	AccessAppend Access = "append"
)

// Rules is the relay's access control over the document layout:
//
//	calls/{id}                       caller creates and deletes, participants read,
//	                                 callee sets answer once and calleeLeft
//	calls/{id}/{caller|callee}*      participants read, only that role appends
//
// Reads of a call that does not exist yet fail with ErrNotFound.
//	inbox/{uid}                      anyone appends, only uid reads
type Rules struct {
	Store core.DocStore
}

// calleeFields are the only record fields the callee may write.
var calleeFields = map[string]bool{"answer": true, "calleeLeft": true}

// immutableFields are fixed when the caller creates the record.
var immutableFields = map[string]bool{
	"offer":        true,
	"participants": true,
	"callerId":     true,
	"calleeId":     true,
	"callerName":   true,
	"createdAt":    true,
}

func forbidden(uid domain.UserID, a Access, path string) error {
	return fmt.Errorf("%w: %s may not %s %s", core.ErrForbidden, uid, a, path)
}

func (r Rules) Check(ctx context.Context, uid domain.UserID, a Access, path string, f core.Fields) error {
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 2 && parts[0] == "calls":
		return r.checkCall(ctx, uid, a, path, f)
	case len(parts) == 3 && parts[0] == "calls":
		return r.checkCallCollection(ctx, uid, a, parts[0]+"/"+parts[1], parts[2], path)
	case len(parts) == 2 && parts[0] == "inbox":
		switch a {
		case AccessAppend:
			return nil
		case AccessRead:
			if domain.UserID(parts[1]) == uid {
				return nil
			}
		}
	}
	return forbidden(uid, a, path)
}

func (r Rules) load(ctx context.Context, doc string) (core.Fields, bool, error) {
	f, err := r.Store.Get(ctx, doc)
	if errors.Is(err, core.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func (r Rules) checkCall(ctx context.Context, uid domain.UserID, a Access, path string, f core.Fields) error {
	if a == AccessCreate {
		if f["callerId"] != string(uid) {
			return forbidden(uid, a, path)
		}
		return nil
	}
	if a == AccessAppend {
		return forbidden(uid, a, path)
	}

	doc, ok, err := r.load(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		if a == AccessDelete {
			return nil
		}
		return core.ErrNotFound
	}

	caller := domain.UserID(str(doc["callerId"]))
	switch a {
	case AccessRead:
		if isParticipant(doc, uid) {
			return nil
		}
	case AccessDelete:
		if caller == uid {
			return nil
		}
	case AccessUpdate:
		if !isParticipant(doc, uid) {
			break
		}
		for k := range f {
			if immutableFields[k] || calleeFields[k] == (caller == uid) {
				return forbidden(uid, a, path+"."+k)
			}
			if k == "answer" && doc["answer"] != nil {
				return fmt.Errorf("%w: %s already answered", core.ErrAlreadyExists, path)
			}
		}
		return nil
	}
	return forbidden(uid, a, path)
}

func (r Rules) checkCallCollection(ctx context.Context, uid domain.UserID, a Access, doc, coll, path string) error {
	var role domain.Role
	switch {
	case strings.HasPrefix(coll, string(domain.RoleCaller)):
		role = domain.RoleCaller
	case strings.HasPrefix(coll, string(domain.RoleCallee)):
		role = domain.RoleCallee
	default:
		return forbidden(uid, a, path)
	}
	switch strings.TrimPrefix(coll, string(role)) {
	case "Candidates", "Negotiation":
	default:
		return forbidden(uid, a, path)
	}

	rec, ok, err := r.load(ctx, doc)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrNotFound
	}
	switch a {
	case AccessRead:
		if isParticipant(rec, uid) {
			return nil
		}
	case AccessAppend:
		if domain.UserID(str(rec[string(role)+"Id"])) == uid {
			return nil
		}
	}
	return forbidden(uid, a, path)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func isParticipant(doc core.Fields, uid domain.UserID) bool {
	list, _ := doc["participants"].([]any)
	for _, p := range list {
		if domain.UserID(str(p)) == uid {
			return true
		}
	}
	return false
}
