package deploy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCircularDependency matches any *CircularDependencyError.
	ErrCircularDependency = errors.New("circular package dependency")
	// ErrUnfulfilledDependency matches any *UnfulfilledDependencyError.
	ErrUnfulfilledDependency = errors.New("unfulfilled package dependency")
)

// CircularDependencyError aborts planning when units depend on each other.
type CircularDependencyError struct {
	// Chain lists the units on the placement stack, ending with the unit
	// that closed the cycle.
	Chain []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCircularDependency, strings.Join(e.Chain, " -> "))
}

func (e *CircularDependencyError) Is(target error) bool { return target == ErrCircularDependency }

// UnfulfilledDependencyError aborts planning when a met dependency has no
// provider in the batch.
type UnfulfilledDependencyError struct {
	Unit       string
	Package    string
	Dependency string
}

func (e *UnfulfilledDependencyError) Error() string {
	return fmt.Sprintf("%v: %s (in %s) requires %s", ErrUnfulfilledDependency, e.Package, e.Unit, e.Dependency)
}

func (e *UnfulfilledDependencyError) Is(target error) bool { return target == ErrUnfulfilledDependency }

// InstallError records why a unit failed to install.
type InstallError struct {
	Unit string
	Err  error
}

func (e *InstallError) Error() string { return fmt.Sprintf("install %s: %v", e.Unit, e.Err) }

func (e *InstallError) Unwrap() error { return e.Err }
