package handlers

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/connect"
	"github.com/crosspostd/crosspost/internal/service"
	"github.com/gofiber/fiber/v2"
)

// stateCookie rides along with the provider redirect so the callback can
// compare the state the provider echoes against the one this server issued.
const stateCookie = "connect_state"

type AccountHandler struct {
	s   service.AccountService
	cfg config.Config
}

func NewAccountHandler(cfg config.Config, service service.AccountService) *AccountHandler {
	return &AccountHandler{s: service, cfg: cfg}
}

func (h *AccountHandler) ConnectAccount(c *fiber.Ctx) error {
	userID := GetUserID(c)
	provider := c.Params("provider")

	begin, err := h.s.BeginConnect(c.Context(), provider, userID)
	if err != nil {
		if errors.Is(err, connect.ErrUnsupportedProvider) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown provider",
			})
		}
		slog.Info(err.Error())
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to start connect flow",
		})
	}

	if begin.CSRFState != "" {
		c.Cookie(&fiber.Cookie{
			Name:     stateCookie,
			Value:    begin.CSRFState,
			HTTPOnly: true,
			Path:     "/",
			Expires:  time.Now().Add(10 * time.Minute),
		})
	}

	return c.Redirect(begin.AuthorizationURL)
}

func (h *AccountHandler) CallbackHandler(c *fiber.Ctx) error {
	userID := GetUserID(c)
	provider := c.Params("provider")

	params := connect.CallbackParams{
		Code:          c.Query("code"),
		State:         c.Query("state"),
		ExpectedState: c.Cookies(stateCookie),
		OAuthToken:    c.Query("oauth_token"),
		OAuthVerifier: c.Query("oauth_verifier"),
	}

	c.Cookie(&fiber.Cookie{
		Name:   stateCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	_, err := h.s.CompleteConnect(c.Context(), provider, userID, params)
	if err != nil {
		slog.Info(err.Error())
		switch {
		case errors.Is(err, connect.ErrInvalidState), errors.Is(err, connect.ErrInvalidRequestToken):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unable to validate connect request",
			})
		case errors.Is(err, connect.ErrNoManageablePages):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "No manageable pages on this account",
			})
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "something went wrong",
			})
		}
	}

	redirectURL := fmt.Sprintf("%s/dashboard/accounts", h.cfg.FrontendURL)
	return c.Redirect(redirectURL, fiber.StatusTemporaryRedirect)
}

func (h *AccountHandler) ListAccounts(c *fiber.Ctx) error {
	userID := GetUserID(c)

	accountList, err := h.s.List(c.Context(), userID)
	if err != nil {
		log.Println(err.Error())
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch connected accounts",
		})
	}

	return c.Status(fiber.StatusOK).JSON(accountList)
}

func (h *AccountHandler) DeleteAccount(c *fiber.Ctx) error {
	userID := GetUserID(c)
	accountId := c.QueryInt("id", 0)

	err := h.s.Delete(c.Context(), userID, int64(accountId))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to delete connected account",
		})
	}

	return c.SendStatus(fiber.StatusOK)
}
