// Package presence validates the membership of a paired room.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/adwski/webrtc-rooms/backend/model"
)

// MaxMembers is the capacity of a paired room.
const MaxMembers = 2

var (
	ErrRoomFull           = errors.New("room is full")
	ErrInvalidRole        = errors.New("invalid role")
	ErrMissingCounterpart = errors.New("counterpart is missing")
)

// ValidationError is returned for every rejected membership snapshot.
// A rejection is final: the caller must leave the room.
type ValidationError struct {
	Err     error
	Missing model.Role
	Count   int
}

func (e *ValidationError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("%s: role %s is missing (%d members)", e.Err, e.Missing, e.Count)
	}
	return fmt.Sprintf("%s (%d members)", e.Err, e.Count)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Result describes a valid membership snapshot.
type Result struct {
	// Ready is set when exactly one member of each role is present.
	Ready bool
	// Missing is the role still expected, if any.
	Missing model.Role
}

// Validate checks a membership snapshot from the point of view of a
// local participant with role local.
func Validate(members []model.PresenceMember, local model.Role) (Result, error) {
	count := len(members)
	if count > MaxMembers {
		return Result{}, &ValidationError{Err: ErrRoomFull, Count: count}
	}

	roles := make(map[model.Role]int, MaxMembers)
	for _, m := range members {
		if !m.Role.Valid() {
			return Result{}, &ValidationError{Err: ErrInvalidRole, Count: count}
		}
		roles[m.Role]++
	}

	switch count {
	case 0:
		return Result{Missing: local.Counterpart()}, nil
	case 1:
		return Result{Missing: members[0].Role.Counterpart()}, nil
	}

	if roles[model.RoleA] == 1 && roles[model.RoleB] == 1 {
		return Result{Ready: true}, nil
	}
	// both members share one role
	missing := members[0].Role.Counterpart()
	if local.Valid() && roles[local] == 0 {
		missing = local
	}
	return Result{}, &ValidationError{Err: ErrMissingCounterpart, Missing: missing, Count: count}
}

// Check is the outcome of a stateful validation.
type Check struct {
	Result
	// BecameReady is set only on the snapshot that made the room ready.
	BecameReady bool
}

// Validator tracks readiness across successive snapshots so that
// readiness is reported once per transition.
type Validator struct {
	local model.Role

	mx    sync.Mutex
	ready bool
}

func NewValidator(local model.Role) *Validator {
	return &Validator{local: local}
}

func (v *Validator) Check(members []model.PresenceMember) (Check, error) {
	return v.check(Validate(members, v.local))
}

// CheckAs validates members from the seat of actorID. Members that joined
// after actorID and make the room invalid are left out: they are the
// ones expected to leave. Unlike Validate, an earlier occupant may
// therefore stay ready while three or more members are present.
func (v *Validator) CheckAs(members []model.PresenceMember, actorID string) (Check, error) {
	return v.check(validateAs(members, v.local, actorID))
}

func validateAs(members []model.PresenceMember, local model.Role, actorID string) (Result, error) {
	sorted := append([]model.PresenceMember(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].JoinedAt.Equal(sorted[j].JoinedAt) {
			return sorted[i].ActorID < sorted[j].ActorID
		}
		return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
	})
	seat := len(sorted) - 1
	for i, m := range sorted {
		if m.ActorID == actorID {
			seat = i
			break
		}
	}

	res, err := Validate(sorted, local)
	for n := len(sorted) - 1; err != nil && n > seat; n-- {
		res, err = Validate(sorted[:n], local)
	}
	if err != nil {
		// report the full snapshot
		return Validate(members, local)
	}
	return res, nil
}

func (v *Validator) check(res Result, err error) (Check, error) {
	v.mx.Lock()
	defer v.mx.Unlock()
	if err != nil || !res.Ready {
		v.ready = false
		return Check{Result: res}, err
	}
	became := !v.ready
	v.ready = true
	return Check{Result: res, BecameReady: became}, nil
}

func (v *Validator) Ready() bool {
	v.mx.Lock()
	defer v.mx.Unlock()
	return v.ready
}
