package orderstatus

import "fmt"

const logo = "/packages/order-status/assets/Dm_Logo.svg"

var statusByCode = map[string]string{
	"DELIVERED":   "delivered",
	"PROCESSING":  "processing",
	"IN_PROGRESS": "processing",
	"CREATED":     "processing",
	"ERROR":       "error",
	"UNKNOWN":     "unknown",
}

var textKeyByCode = map[string]string{
	"DELIVERED":   "{i18n.status_delivered}",
	"ERROR":       "{i18n.status_error}",
	"IN_PROGRESS": "{i18n.status_in_progress}",
	"PROCESSING":  "{i18n.status_processing}",
	"CREATED":     "{i18n.status_created}",
	"UNKNOWN":     "{i18n.status_unknown}",
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func ToDTO(api map[string]any) map[string]any {
	if api == nil {
		return map[string]any{
			"stateCode":   "UNKNOWN",
			"stateText":   "{i18n.status_unknown}",
			"summaryDate": "",
			"orderNo":     "",
			"status":      "unknown",
			"logo":        logo,
		}
	}

	code := str(api["summaryStateCode"])
	if code == "" {
		code = "UNKNOWN"
	}
	text := str(api["summaryStateText"])
	if text == "" {
		text = textKeyByCode[code]
	}
	if text == "" {
		text = "{i18n.status_unknown}"
	}
	status := statusByCode[code]
	if status == "" {
		status = "unknown"
	}

	return map[string]any{
		"stateCode":    code,
		"stateText":    text,
		"summaryDate":  str(api["summaryDate"]),
		"priceText":    str(api["summaryPriceText"]),
		"orderNo":      str(api["orderNo"]),
		"orderDate":    str(api["orderDate"]),
		"deliveryText": str(api["deliveryText"]),
		"status":       status,
		"logo":         logo,
	}
}
