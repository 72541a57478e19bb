package gwerr

import "net/http"

// StatusFor maps an internal code to the HTTP status written on the wire.
// Kept separate from classification (router package) per the gateway's own
// status-override layer so a single table is the source of truth.
func StatusFor(code Code) int {
	switch code {
	case RequestAborted, StreamAborted:
		return 499
	case StreamIdleTimeout:
		return 524
	case AllProvidersUnavailable, AllProvidersQuotaExceeded:
		return http.StatusServiceUnavailable
	case BodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case CliProxyDisabled:
		return http.StatusForbidden
	case InvalidCliKey, InvalidForwardedPath, InvalidBaseUrl:
		return http.StatusBadRequest
	case AuthRejected, AuthReloginRequired:
		return http.StatusUnauthorized
	case ProviderRateLimited:
		return http.StatusTooManyRequests
	case ProviderCircuitOpen:
		return http.StatusServiceUnavailable
	case Upstream4xx:
		return http.StatusBadGateway
	case Upstream5xx, UpstreamAllFailed, UpstreamTimeout, UpstreamConnectFailed,
		UpstreamReadError, UpstreamBodyReadError, StreamError, ResponseBuildError,
		HttpClientInit, NoEnabledProvider, CliProxyGuardError:
		return http.StatusBadGateway
	case PortInUse:
		return http.StatusInternalServerError
	case RequestLogChannelClosed, RequestLogEnqueueTimeout, RequestLogWriteThroughOnBackpressure,
		RequestLogWriteThroughRateLimited, RequestLogDropped,
		AttemptLogChannelClosed, AttemptLogEnqueueTimeout, AttemptLogWriteThroughOnBackpressure,
		AttemptLogWriteThroughRateLimited, AttemptLogDropped, InternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
