package service

import (
	"fmt"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrJobNotFound(id string) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "job")
}

type ErrJobNotCompleted struct {
	error
}

func NewErrJobNotCompleted(id string) *ErrJobNotCompleted {
	return &ErrJobNotCompleted{fmt.Errorf("job %s has not completed; no result is available", id)}
}

type ErrJobNotCancellable struct {
	error
}

func NewErrJobNotCancellable(id string) *ErrJobNotCancellable {
	return &ErrJobNotCancellable{fmt.Errorf("job %s is not active and cannot be cancelled", id)}
}
