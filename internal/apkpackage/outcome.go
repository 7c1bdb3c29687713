package apkpackage

import (
	"fmt"
	"strings"
)

// State is a request's position in the acquisition pipeline.
type State int

const (
	Pending State = iota
	Resolving
	Verifying
	Assembling
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Resolving:
		return "Resolving"
	case Verifying:
		return "Verifying"
	case Assembling:
		return "Assembling"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// Active reports whether a request in state s occupies a worker.
func (s State) Active() bool {
	return s == Resolving || s == Verifying || s == Assembling
}

// Failure is the error half of an outcome.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Outcome is the result of exactly one AcquisitionRequest.
type Outcome struct {
	Request         AcquisitionRequest `json:"-"`
	State           State              `json:"state"`
	ResolvedVersion string             `json:"resolved_version,omitempty"`
	Paths           []string           `json:"paths,omitempty"`
	Bytes           int64              `json:"bytes,omitempty"`
	Split           bool               `json:"split,omitempty"`
	Skipped         bool               `json:"skipped,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
	Failure         *Failure           `json:"failure,omitempty"`
}

// Succeeded reports whether the outcome is a success (including a skip).
func (o Outcome) Succeeded() bool {
	return o.State == Succeeded && o.Failure == nil
}

// SuccessOutcome builds a terminal success for req.
func SuccessOutcome(req AcquisitionRequest, version string, paths []string) Outcome {
	return Outcome{Request: req, State: Succeeded, ResolvedVersion: version, Paths: paths}
}

// FailureOutcome converts err into a terminal failure for req.
func FailureOutcome(req AcquisitionRequest, err error) Outcome {
	kind := KindOf(err)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Request: req, State: Failed, Failure: &Failure{Kind: kind, Message: msg}}
}

// ParseAppSpec splits "id[@version]" as accepted by the -a flag and CSV input.
func ParseAppSpec(s string) (string, VersionSpec, error) {
	s = strings.TrimSpace(s)
	id, version, found := strings.Cut(s, "@")
	id = strings.TrimSpace(id)
	if err := ValidateIdentifier(id); err != nil {
		return "", Latest, err
	}
	if !found {
		return id, Latest, nil
	}
	version = strings.TrimSpace(version)
	if version == "" || strings.Contains(version, "@") {
		return "", Latest, Errorf(InvalidRequest, "invalid version in %q", s)
	}
	return id, Exact(version), nil
}
