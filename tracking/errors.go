package tracking

import (
	"errors"
	"fmt"
)

// 以下错误都表示宿主集成层违反调用约定，不可重试，必须立即向上抛出
var (
	ErrDuplicateTrack    = errors.New("entity already tracked by observer")
	ErrNotTracked        = errors.New("entity not tracked by observer")
	ErrUnknownObserver   = errors.New("unknown observer")
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrDuplicateObserver = errors.New("observer already registered")
	ErrDuplicateEntity   = errors.New("entity already registered")
	ErrEntityRemoved     = errors.New("entity already removed")
	ErrInvalidConfig     = errors.New("invalid tracking config")
)

// ContractError 附带出错的操作与 (observer, entity) 对
type ContractError struct {
	Op       string
	Observer ObserverID
	Entity   EntityID
	Err      error
}

func (e *ContractError) Error() string {
	switch {
	case e.Observer != "" && e.Entity != "":
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Observer, e.Entity, e.Err)
	case e.Observer != "":
		return fmt.Sprintf("%s observer %s: %v", e.Op, e.Observer, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("%s entity %s: %v", e.Op, e.Entity, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *ContractError) Unwrap() error { return e.Err }

func contractErr(op string, o ObserverID, e EntityID, err error) error {
	return &ContractError{Op: op, Observer: o, Entity: e, Err: err}
}
