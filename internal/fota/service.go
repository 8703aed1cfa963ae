package fota

import (
	"context"
	"errors"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/devices"
	"fotaflow/internal/devicestate"
	"fotaflow/internal/firmware"
	"fotaflow/internal/job"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// StartRequest asks for an upgrade of one device along an upgrade path.
type StartRequest struct {
	DeviceID    string            `json:"deviceId" validate:"required,max=128"`
	Fingerprint string            `json:"fingerprint" validate:"required,max=64"`
	Target      string            `json:"target,omitempty" validate:"omitempty,oneof=app application modem mfw"`
	UpgradePath map[string]string `json:"upgradePath" validate:"required,min=1,max=64,dive,keys,required,max=64,endkeys,required,max=128"`
}

// StartResponse identifies the started run.
type StartResponse struct {
	ExecutionID     string          `json:"executionId"`
	JobKey          string          `json:"jobKey"`
	Target          firmware.Target `json:"target"`
	Status          job.Status      `json:"status"`
	ReportedVersion string          `json:"reportedVersion"`
}

// AbortRequest asks to stop a run on behalf of the device that owns it.
type AbortRequest struct {
	DeviceID    string `json:"deviceId" validate:"required,max=128"`
	ExecutionID string `json:"executionId" validate:"required,uuid"`
	Fingerprint string `json:"fingerprint" validate:"required,max=64"`
}

// Service is the caller-facing surface: it validates requests, proves
// device ownership and delegates to the orchestrator.
type Service struct {
	orchestrator *Orchestrator
	lookup       devices.Lookup
	details      devicestate.Fetcher
	validate     *validator.Validate
}

// NewService creates a new FOTA service.
func NewService(o *Orchestrator, lookup devices.Lookup, details devicestate.Fetcher) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Service{
		orchestrator: o,
		lookup:       lookup,
		details:      details,
		validate:     v,
	}
}

// StartUpgrade checks the device is eligible for the path and starts a
// run. The run proceeds asynchronously; callers poll Get for the outcome.
// A reported version without a bundle is not an error: the run finishes as
// succeeded.
func (s *Service) StartUpgrade(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	path := firmware.UpgradePath(req.UpgradePath)
	if err := path.Validate(); err != nil {
		return nil, err
	}
	target, err := path.Target()
	if err != nil {
		return nil, apperrors.Domain(apperrors.ErrValidation, apperrors.KindOf(err),
			fmt.Sprintf("Invalid upgrade path defined: %s", err.Error()))
	}
	if req.Target != "" {
		requested, err := firmware.ParseTarget(req.Target)
		if err != nil {
			return nil, err
		}
		if requested != target {
			return nil, apperrors.Validation("target",
				fmt.Sprintf("upgrade path updates %s, not %s", target.Label(), requested.Label()))
		}
	}

	device, err := s.owner(ctx, req.DeviceID, req.Fingerprint)
	if err != nil {
		return nil, err
	}

	logger := slog.With("deviceId", device.ID, "target", target)

	details, err := s.details.Fetch(ctx, device.ID)
	if err != nil {
		if kind := apperrors.KindOf(err); kind != "" {
			return nil, apperrors.Domain(apperrors.ErrValidation, kind,
				fmt.Sprintf("Device is not eligible for FOTA: %s", err.Error()))
		}
		return nil, err
	}
	up, err := firmware.NextUpgrade(path, details)
	if err != nil {
		kind := apperrors.KindOf(err)
		if kind == apperrors.AmbiguousTarget {
			return nil, apperrors.Domain(apperrors.ErrValidation, kind,
				fmt.Sprintf("Invalid upgrade path defined: %s", err.Error()))
		}
		return nil, apperrors.Domain(apperrors.ErrValidation, kind,
			fmt.Sprintf("Device is not eligible for FOTA: %s", err.Error()))
	}
	if up.Done() {
		logger.Info("No bundle for reported version, run will finish at once", "version", up.ReportedVersion)
	}

	j, err := s.orchestrator.StartExecution(ctx, StartInput{
		DeviceID:    device.ID,
		Account:     device.Account,
		UpgradePath: path,
	})
	if err != nil {
		logger.Warn("Upgrade not started", "error", err)
		return nil, err
	}

	return &StartResponse{
		ExecutionID:     j.ExecutionID,
		JobKey:          j.Key,
		Target:          j.Target,
		Status:          j.Status,
		ReportedVersion: up.ReportedVersion,
	}, nil
}

// Abort stops a running execution owned by the requesting device. A run
// that is not active is a conflict; a run of another device is forbidden.
func (s *Service) Abort(ctx context.Context, req *AbortRequest) error {
	if err := s.check(req); err != nil {
		return err
	}

	device, err := s.owner(ctx, req.DeviceID, req.Fingerprint)
	if err != nil {
		return err
	}

	j, err := s.orchestrator.Describe(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return apperrors.Conflict("execution", req.ExecutionID,
			fmt.Sprintf("Execution is not running, but %s!", j.Status))
	}
	if j.DeviceID != device.ID {
		return apperrors.Forbidden("execution",
			fmt.Sprintf("Job %s does not belong to device %s!", req.ExecutionID, device.ID))
	}

	_, err = s.orchestrator.StopExecution(ctx, req.ExecutionID)
	return err
}

// Get returns one execution.
func (s *Service) Get(ctx context.Context, executionID string) (*job.Job, error) {
	return s.orchestrator.Describe(ctx, executionID)
}

// History returns a device's executions, newest first.
func (s *Service) History(ctx context.Context, deviceID string) ([]*job.Job, error) {
	return s.orchestrator.History(ctx, deviceID)
}

// owner resolves the fingerprint and checks it belongs to deviceID.
func (s *Service) owner(ctx context.Context, deviceID, fingerprint string) (devices.Device, error) {
	device, err := s.lookup.ByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return devices.Device{}, apperrors.Forbidden("device", "Unknown device fingerprint")
		}
		return devices.Device{}, err
	}
	if device.ID != deviceID {
		return devices.Device{}, apperrors.Forbidden("device",
			fmt.Sprintf("Fingerprint does not belong to device %s!", deviceID))
	}
	return device, nil
}

// check validates a request struct and converts the first failure.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Validation("", err.Error())
	}
	fe := verrs[0]
	field, _, _ := strings.Cut(fe.Field(), "[")
	return apperrors.Validation(field, validationMessage(field, fe))
}

func validationMessage(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The field '%s' is required.", field)
	case "min":
		return fmt.Sprintf("The field '%s' must have at least %s entries.", field, fe.Param())
	case "max":
		return fmt.Sprintf("The field '%s' must be no longer than %s.", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("The field '%s' must be one of %s.", field, fe.Param())
	case "uuid":
		return fmt.Sprintf("The field '%s' must be a UUID.", field)
	default:
		return fmt.Sprintf("Field '%s' is invalid: %s", field, fe.Tag())
	}
}
