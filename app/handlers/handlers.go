// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 30 * time.Second

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "email":
		return "Invalid email format"
	case "min":
		return err.Field() + " must be at least " + err.Param()
	case "max":
		return err.Field() + " must be at most " + err.Param()
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "fqdn", "hostname", "hostname|ip":
		return err.Field() + " must be a valid host name"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", err.Field(), err.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}

// validationDetails flattens validator errors into readable messages
func validationDetails(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, getValidationErrorMessage(fe))
	}
	return out
}

func errorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func successResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// businessErrorStatus maps a flow error to its HTTP status and error code
func businessErrorStatus(err error) (int, string) {
	switch {
	case businessflow.IsCampaignAlreadyRunning(err):
		return fiber.StatusTooManyRequests, "CAMPAIGN_ALREADY_RUNNING"
	case businessflow.IsJobNotFound(err):
		return fiber.StatusNotFound, "JOB_NOT_FOUND"
	case businessflow.IsCampaignNotFound(err):
		return fiber.StatusNotFound, "CAMPAIGN_NOT_FOUND"
	case businessflow.IsAccountNotFound(err):
		return fiber.StatusNotFound, "ACCOUNT_NOT_FOUND"
	case businessflow.IsWorkerNotFound(err):
		return fiber.StatusNotFound, "WORKER_NOT_FOUND"
	case businessflow.IsInvalidJobType(err):
		return fiber.StatusBadRequest, "INVALID_JOB_TYPE"
	case businessflow.IsInvalidJobParams(err):
		return fiber.StatusBadRequest, "INVALID_JOB_PARAMS"
	case businessflow.IsInvalidContent(err):
		return fiber.StatusBadRequest, "INVALID_CONTENT"
	case businessflow.IsInvalidTransition(err):
		return fiber.StatusConflict, "INVALID_TRANSITION"
	case businessflow.IsJobStillActive(err):
		return fiber.StatusConflict, "JOB_STILL_ACTIVE"
	case businessflow.IsCampaignArchived(err):
		return fiber.StatusConflict, "CAMPAIGN_ARCHIVED"
	case businessflow.IsCampaignRunning(err):
		return fiber.StatusConflict, "CAMPAIGN_RUNNING"
	case businessflow.IsAccountExists(err):
		return fiber.StatusConflict, "ACCOUNT_EXISTS"
	case businessflow.IsInvalidAccountStatus(err):
		return fiber.StatusConflict, "INVALID_ACCOUNT_STATUS"
	case businessflow.IsWorkerAlreadyRunning(err):
		return fiber.StatusConflict, "WORKER_ALREADY_RUNNING"
	case businessflow.IsAccountNotStartable(err):
		return fiber.StatusConflict, "ACCOUNT_NOT_STARTABLE"
	case businessflow.IsProgressHubFull(err):
		return fiber.StatusServiceUnavailable, "PROGRESS_STREAM_UNAVAILABLE"
	}

	var be *businessflow.BusinessError
	if errors.As(err, &be) && be.Code == "VALIDATION_ERROR" {
		return fiber.StatusBadRequest, be.Code
	}
	return fiber.StatusInternalServerError, "INTERNAL_ERROR"
}

// handleError writes the mapped error response. Internal errors are logged and
// answered with a generic message.
func handleError(c fiber.Ctx, logger zerolog.Logger, err error, fallbackMessage string) error {
	status, code := businessErrorStatus(err)
	if status == fiber.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.Path()).Str("request_id", c.Get("X-Request-ID")).Msg(fallbackMessage)
		return errorResponse(c, status, fallbackMessage, code, nil)
	}

	message := err.Error()
	var be *businessflow.BusinessError
	if errors.As(err, &be) {
		message = be.Message
		if be.Code == "VALIDATION_ERROR" {
			return errorResponse(c, status, message, code, validationDetails(be.Err))
		}
	}
	return errorResponse(c, status, message, code, nil)
}

// parseUintParam reads a positive numeric route parameter
func parseUintParam(c fiber.Ctx, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint(v), nil
}

// createRequestContext creates a context with timeout and request-scoped values
func createRequestContext(c fiber.Ctx, endpoint string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)

	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)

	return ctx, cancel
}
