package crds

// Route is the path a value took to reach the store.
type Route uint8

const (
	RouteLocal Route = iota + 1
	RoutePullRequest
	RoutePullResponse
	RoutePushMessage
)

func (r Route) String() string {
	switch r {
	case RouteLocal:
		return "local"
	case RoutePullRequest:
		return "pull_request"
	case RoutePullResponse:
		return "pull_response"
	case RoutePushMessage:
		return "push_message"
	default:
		return "unknown"
	}
}
