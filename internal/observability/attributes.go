// Package observability provides metrics utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrTarget  = "target"
	attrStep    = "step"
	attrKind    = "kind"
	attrOutcome = "outcome"
	attrOp      = "op"
	attrSource  = "source"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func statusNameAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func targetAttr(target string) attribute.KeyValue {
	return attribute.String(attrTarget, target)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func sourceAttr(source string) attribute.KeyValue {
	return attribute.String(attrSource, source)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
//
//	/v1/fota/{executionId}
//	/v1/devices/{deviceId}/fota
//	/v1/devices/{deviceId}/fota/{executionId}
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "fota":
		return "/v1/fota/{executionId}"
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "devices" && parts[3] == "fota":
		if len(parts) == 4 {
			return "/v1/devices/{deviceId}/fota"
		}
		return "/v1/devices/{deviceId}/fota/{executionId}"
	}
	return path
}

// WithTarget returns a metric option with the target attribute.
func WithTarget(target string) metric.MeasurementOption {
	return metric.WithAttributes(targetAttr(target))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}
