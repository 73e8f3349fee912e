package errors

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":        true,
	"userRateLimitExceeded":    true,
	"sharingRateLimitExceeded": true,
}

// ClassifyGoogleAPIError maps any error returned by a Drive call onto a
// *utils.AppError carrying one of the mirror's error kinds. Errors that are
// already classified pass through unchanged.
func ClassifyGoogleAPIError(service string, err error, reqCtx *types.RequestContext, logger logging.Logger) error {
	if err == nil {
		return nil
	}
	if reqCtx == nil {
		reqCtx = &types.RequestContext{}
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	var existing *utils.AppError
	if stderrors.As(err, &existing) {
		return existing
	}

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeCancelled, err.Error()).
			WithContext("traceId", reqCtx.TraceID).
			Build(), err)
	}

	var retrieveErr *oauth2.RetrieveError
	if stderrors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		logger.Warn("Token refresh rejected",
			logging.F("traceId", reqCtx.TraceID),
			logging.F("status", status),
		)
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeAuthExpired, "credential refresh was rejected").
			WithContext("traceId", reqCtx.TraceID).
			WithContext("suggestedAction", "re-authorize gdmirror and store a fresh token").
			Build(), err)
	}

	var apiErr *googleapi.Error
	if !stderrors.As(err, &apiErr) {
		return classifyTransportError(service, err, reqCtx, logger)
	}

	code, retryable := codeForAPIError(apiErr)

	logger.Debug("API error classified",
		logging.F("httpStatus", apiErr.Code),
		logging.F("errorCode", code),
		logging.F("retryable", retryable),
		logging.F("message", apiErr.Message),
		logging.F("traceId", reqCtx.TraceID),
		logging.F("requestType", string(reqCtx.RequestType)),
		logging.F("service", service),
	)

	builder := utils.NewCLIError(code, apiMessage(apiErr)).
		WithHTTPStatus(apiErr.Code).
		WithRetryable(retryable).
		WithContext("traceId", reqCtx.TraceID).
		WithContext("requestType", string(reqCtx.RequestType)).
		WithContext("service", service)

	if len(apiErr.Errors) > 0 {
		builder.WithDriveReason(apiErr.Errors[0].Reason)
	}
	if len(reqCtx.InvolvedFileIDs) > 0 {
		builder.WithContext("fileIds", reqCtx.InvolvedFileIDs)
	}

	switch code {
	case utils.ErrCodeAuthExpired:
		builder.WithContext("suggestedAction", "re-authorize gdmirror and store a fresh token")
	case utils.ErrCodeFileNotFound:
		if reqCtx.DriveID != "" {
			builder.WithContext("driveId", reqCtx.DriveID)
		}
	case utils.ErrCodeExportSizeLimit:
		builder.WithContext("suggestedAction", "download the document from the web interface")
	}

	appErr := utils.WrapAppError(builder.Build(), err)
	appErr.RetryAfter = retryAfter(apiErr.Header)
	return appErr
}

func codeForAPIError(apiErr *googleapi.Error) (string, bool) {
	for _, e := range apiErr.Errors {
		if rateLimitReasons[e.Reason] {
			return utils.ErrCodeRateLimited, true
		}
		if e.Reason == "exportSizeLimitExceeded" {
			return utils.ErrCodeExportSizeLimit, false
		}
	}

	switch {
	case apiErr.Code == http.StatusUnauthorized:
		return utils.ErrCodeAuthExpired, false
	case apiErr.Code == http.StatusForbidden:
		return utils.ErrCodePermissionDenied, false
	case apiErr.Code == http.StatusNotFound:
		return utils.ErrCodeFileNotFound, false
	case apiErr.Code == http.StatusTooManyRequests:
		return utils.ErrCodeRateLimited, true
	case apiErr.Code == http.StatusRequestTimeout:
		return utils.ErrCodeTimeout, true
	case apiErr.Code >= 500:
		return utils.ErrCodeNetworkError, true
	}
	return utils.ErrCodeUnknown, false
}

func apiMessage(apiErr *googleapi.Error) string {
	if apiErr.Message != "" {
		return apiErr.Message
	}
	if text := http.StatusText(apiErr.Code); text != "" {
		return text
	}
	return "googleapi: HTTP " + strconv.Itoa(apiErr.Code)
}

// classifyTransportError handles failures that never produced an HTTP status
func classifyTransportError(service string, err error, reqCtx *types.RequestContext, logger logging.Logger) error {
	code := utils.ErrCodeUnknown
	retryable := false

	var netErr net.Error
	var urlErr *url.Error
	switch {
	case stderrors.As(err, &netErr) && netErr.Timeout():
		code, retryable = utils.ErrCodeTimeout, true
	case stderrors.As(err, &urlErr), stderrors.As(err, &netErr):
		code, retryable = utils.ErrCodeNetworkError, true
	case isConnectionReset(err):
		code, retryable = utils.ErrCodeNetworkError, true
	}

	logger.Debug("Transport error classified",
		logging.F("error", err.Error()),
		logging.F("errorCode", code),
		logging.F("traceId", reqCtx.TraceID),
	)

	return utils.WrapAppError(utils.NewCLIError(code, err.Error()).
		WithRetryable(retryable).
		WithContext("traceId", reqCtx.TraceID).
		WithContext("service", service).
		Build(), err)
}

func isConnectionReset(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "broken pipe")
}

// retryAfter parses a Retry-After header given either in seconds or as an HTTP date
func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
