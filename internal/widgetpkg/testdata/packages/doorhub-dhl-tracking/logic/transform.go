package dhltracking

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const logo = "/packages/doorhub-dhl-tracking/assets/DHL_Logo.svg"

func dto(primary, secondary, status string) map[string]any {
	return map[string]any{
		"primaryField":   primary,
		"secondaryField": secondary,
		"status":         status,
		"logo":           logo,
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func ToDTO(api map[string]any) map[string]any {
	fallback := dto("-", "No data", "unknown")
	if api == nil {
		return fallback
	}

	if errs, ok := api["errors"].([]any); ok && len(errs) > 0 {
		detail := "API Error"
		if first, ok := errs[0].(map[string]any); ok && str(first["detail"]) != "" {
			detail = str(first["detail"])
		}
		return dto("Error", detail, "error")
	}

	shipments, _ := api["shipments"].([]any)
	if len(shipments) == 0 {
		return fallback
	}
	shipment, ok := shipments[0].(map[string]any)
	if !ok {
		return fallback
	}

	tracking := str(shipment["id"])
	if tracking == "" {
		tracking = str(shipment["trackingNumber"])
	}
	if tracking == "" {
		tracking = "-"
	}

	description := "No events available"
	location := ""
	if events, ok := shipment["events"].([]any); ok && len(events) > 0 {
		if latest, ok := events[0].(map[string]any); ok {
			if d := str(latest["description"]); d != "" {
				description = d
			}
			location = str(latest["location"])
		}
	}

	current := str(shipment["status"])
	if current == "" {
		current = "unknown"
	}

	var status, secondary string
	switch strings.ToLower(current) {
	case "delivered":
		status, secondary = "delivered", "Delivered"
	case "in_transit", "transit":
		status, secondary = "processing", "In transit"
		if location != "" {
			secondary = "In transit - " + location
		}
	case "pre_transit", "label_created":
		status, secondary = "processing", "Label created"
	case "failure", "exception", "returned":
		status, secondary = "error", "Delivery issue"
	case "pending":
		status, secondary = "processing", "Pending pickup"
	default:
		status, secondary = "processing", description
	}

	if eta := str(shipment["estimatedDelivery"]); eta != "" && status == "processing" {
		if t, err := time.Parse(time.RFC3339, eta); err == nil {
			secondary = fmt.Sprintf("%s (ETA: %s)", secondary, t.Format("2006-01-02"))
		}
	}

	if progress, ok := shipment["progress"].(map[string]any); ok {
		cur, _ := progress["current"].(float64)
		total, _ := progress["total"].(float64)
		if cur > 0 && total > 0 && status == "processing" {
			if pct := math.Round(cur / total * 100); pct > 0 {
				secondary = fmt.Sprintf("In transit (%d%%)", int(pct))
			}
		}
	}

	return dto(tracking, secondary, status)
}
