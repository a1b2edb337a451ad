package audit

import "strings"

// ActionResource holds action and resource derived from an HTTP route.
type ActionResource struct {
	Action   string
	Resource string
}

var routeOverrides = map[string]ActionResource{
	"POST /v1/devices/{id}/revoke":   {Action: ActionDeviceRevoked, Resource: "device"},
	"POST /v1/devices/revoke-others": {Action: ActionDevicesRevokedBulk, Resource: "device"},
	"POST /v1/mfa/backup-codes":      {Action: ActionBackupCodesRenewed, Resource: "mfa"},
}

// ParseRoute returns action and resource for a method and chi route pattern (e.g. "GET", "/v1/devices").
// Resource is the first path segment after the version, singularized. Action follows the method:
// GET list (or get when the route ends in a parameter), POST create, PUT/PATCH update, DELETE delete.
// A trailing verb segment (e.g. /v1/policies/{id}/enable) becomes the action.
func ParseRoute(method, pattern string) ActionResource {
	method = strings.ToUpper(method)
	if ar, ok := routeOverrides[method+" "+pattern]; ok {
		return ar
	}
	var segs []string
	for _, s := range strings.Split(strings.Trim(pattern, "/"), "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) > 0 && isVersion(segs[0]) {
		segs = segs[1:]
	}
	if len(segs) == 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	resource := singular(strings.ReplaceAll(segs[0], "-", "_"))
	last := segs[len(segs)-1]
	if len(segs) > 1 && !isParam(last) && isParam(segs[len(segs)-2]) {
		return ActionResource{Action: strings.ReplaceAll(last, "-", "_"), Resource: resource}
	}
	return ActionResource{Action: methodToAction(method, isParam(last)), Resource: resource}
}

func methodToAction(method string, item bool) string {
	switch method {
	case "GET":
		if item {
			return "get"
		}
		return "list"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

func isParam(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func isVersion(s string) bool {
	return len(s) > 1 && s[0] == 'v' && strings.Trim(s[1:], "0123456789") == ""
}

func singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return strings.TrimSuffix(s, "ies") + "y"
	case strings.HasSuffix(s, "sis"), strings.HasSuffix(s, "ss"):
		return s
	case strings.HasSuffix(s, "s"):
		return strings.TrimSuffix(s, "s")
	}
	return s
}
