// handlers/ladder.go
package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"challenge-ladder/middleware"
	"challenge-ladder/models"
	"challenge-ladder/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var validate = validator.New()

type IssueRequest struct {
	ChallengerRank int `json:"challenger_rank" validate:"required,min=1"`
	TargetRank     int `json:"target_rank" validate:"required,min=1"`
}

type PlayerRequest struct {
	Player string `json:"player" validate:"required,max=64"`
}

type ReportRequest struct {
	WinnerRank int `json:"winner_rank" validate:"required,min=1"`
	LoserRank  int `json:"loser_rank" validate:"required,min=1"`
}

// DefenderLister is satisfied by the stats service when a database is configured.
type DefenderLister interface {
	TopDefenders(ctx context.Context, limit int) ([]models.TitleDefense, error)
}

type LadderHandler struct {
	challenges *services.ChallengeService
	reconciler *services.Reconciler
	stats      DefenderLister
	log        *zap.SugaredLogger
}

func NewLadderHandler(challenges *services.ChallengeService, reconciler *services.Reconciler, stats DefenderLister, log *zap.SugaredLogger) *LadderHandler {
	return &LadderHandler{challenges: challenges, reconciler: reconciler, stats: stats, log: log}
}

func SetupLadderRoutes(app *fiber.App, h *LadderHandler, privilegedRoles []string) {
	secured := app.Group("/", middleware.UserContextMiddleware(privilegedRoles, h.log))

	secured.Post("/challenges", h.Issue)
	secured.Post("/challenges/extend", h.Extend)
	secured.Post("/challenges/cancel", h.Cancel)
	secured.Post("/challenges/report", h.Report)
	secured.Post("/challenges/sweep", h.Sweep)

	secured.Get("/challenges", h.ListChallenges)
	secured.Get("/cooldowns", h.ListCooldowns)
	secured.Get("/ladder/audit", h.Audit)
	if h.stats != nil {
		secured.Get("/stats/title-defenses", h.TitleDefenses)
	}
}

func requesterFrom(c *fiber.Ctx) services.Requester {
	userID, _ := c.Locals(middleware.LocalUserID).(string)
	privileged, _ := c.Locals(middleware.LocalPrivileged).(bool)
	return services.Requester{ExternalUserID: userID, Privileged: privileged}
}

// bind parses and validates a JSON body, writing the 400 response itself.
// It reports whether the handler should continue.
func bind(c *fiber.Ctx, dst any) (bool, error) {
	if err := c.BodyParser(dst); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":    false,
			"error": "invalid request body",
			"code":  "invalid_request",
		})
	}
	if errs := validate.Struct(dst); errs != nil {
		var ve validator.ValidationErrors
		if !errors.As(errs, &ve) {
			return false, errs
		}
		var details strings.Builder
		for _, fe := range ve {
			if details.Len() > 0 {
				details.WriteString("; ")
			}
			switch fe.Tag() {
			case "required":
				details.WriteString(fmt.Sprintf("%s is required", fe.Field()))
			case "min":
				details.WriteString(fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
			case "max":
				if fe.Kind() == reflect.String {
					details.WriteString(fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
				} else {
					details.WriteString(fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
				}
			default:
				details.WriteString(fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
			}
		}
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":    false,
			"error": details.String(),
			"code":  "invalid_request",
		})
	}
	return true, nil
}

func statusFor(kind services.ErrorKind) int {
	switch kind {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindNotFound:
		return fiber.StatusNotFound
	case services.KindConflict:
		return fiber.StatusConflict
	case services.KindIntegrity:
		return fiber.StatusUnprocessableEntity
	case services.KindExternalStore:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *LadderHandler) fail(c *fiber.Ctx, err error) error {
	var le *services.LadderError
	if !errors.As(err, &le) {
		h.log.Errorw("[HTTP] unexpected error", "path", c.Path(), "err", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"ok":    false,
			"error": "internal error",
			"code":  "internal",
		})
	}
	if le.Kind == services.KindExternalStore {
		h.log.Errorw("[HTTP] store failure", "path", c.Path(), "code", le.Code, "err", err)
	}
	return c.Status(statusFor(le.Kind)).JSON(fiber.Map{
		"ok":    false,
		"error": le.Message,
		"code":  le.Code,
	})
}

func (h *LadderHandler) Issue(c *fiber.Ctx) error {
	var req IssueRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}
	res, err := h.challenges.IssueChallenge(c.UserContext(), req.ChallengerRank, req.TargetRank, requesterFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"ok": true,
		"message": fmt.Sprintf("#%d %s has challenged #%d %s.",
			res.Challenger.Rank, res.Challenger.DisplayName, res.Target.Rank, res.Target.DisplayName),
		"code":      "challenge_issued",
		"challenge": res,
	})
}

func (h *LadderHandler) Extend(c *fiber.Ctx) error {
	var req PlayerRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}
	res, err := h.challenges.ExtendChallenge(c.UserContext(), req.Player, requesterFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"ok": true,
		"message": fmt.Sprintf("Challenge between #%d %s and #%d %s extended to %s.",
			res.Player.Rank, res.Player.DisplayName, res.Opponent.Rank, res.Opponent.DisplayName, res.NewDate),
		"code":      "challenge_extended",
		"extension": res,
	})
}

func (h *LadderHandler) Cancel(c *fiber.Ctx) error {
	var req PlayerRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}
	res, err := h.challenges.CancelChallenge(c.UserContext(), req.Player, requesterFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"ok":           true,
		"message":      fmt.Sprintf("Challenge for #%d %s cancelled.", res.Player.Rank, res.Player.DisplayName),
		"code":         "challenge_cancelled",
		"cancellation": res,
	})
}

func (h *LadderHandler) Report(c *fiber.Ctx) error {
	var req ReportRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}
	res, err := h.challenges.ReportResult(c.UserContext(), req.WinnerRank, req.LoserRank, requesterFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	msg := fmt.Sprintf("%s defended rank #%d against %s.", res.Winner.DisplayName, res.Winner.Rank, res.Loser.DisplayName)
	if res.Climb {
		msg = fmt.Sprintf("%s beat %s and takes rank #%d.", res.Winner.DisplayName, res.Loser.DisplayName, res.Winner.Rank)
	}
	return c.JSON(fiber.Map{
		"ok":      true,
		"message": msg,
		"code":    "result_recorded",
		"result":  res,
	})
}

func (h *LadderHandler) Sweep(c *fiber.Ctx) error {
	if !requesterFrom(c).Privileged {
		return h.fail(c, &services.LadderError{
			Kind:    services.KindValidation,
			Code:    services.CodeNotAuthorized,
			Message: "Only moderators can run a sweep.",
		})
	}
	report, err := h.reconciler.Sweep(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"ok":      true,
		"message": fmt.Sprintf("Sweep finished: %d challenge(s) auto-nulled.", len(report.Nullified)),
		"code":    "sweep_finished",
		"report":  report,
	})
}

func (h *LadderHandler) ListChallenges(c *fiber.Ctx) error {
	active, err := h.challenges.ListChallenges(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "code": "challenges", "challenges": active})
}

func (h *LadderHandler) ListCooldowns(c *fiber.Ctx) error {
	active, err := h.challenges.ListCooldowns(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "code": "cooldowns", "cooldowns": active})
}

func (h *LadderHandler) Audit(c *fiber.Ctx) error {
	report, err := h.reconciler.AuditLadder(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	var le *services.LadderError
	if errors.As(report.Err(), &le) {
		h.log.Warnw("[HTTP] ladder audit found integrity faults", "faults", len(report.Faults))
		return c.Status(statusFor(le.Kind)).JSON(fiber.Map{
			"ok":    false,
			"error": le.Message,
			"code":  le.Code,
			"audit": report,
		})
	}
	return c.JSON(fiber.Map{"ok": true, "code": "audit", "audit": report})
}

func (h *LadderHandler) TitleDefenses(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	if limit < 1 || limit > 100 {
		limit = 10
	}
	top, err := h.stats.TopDefenders(c.UserContext(), limit)
	if err != nil {
		h.log.Errorw("[HTTP] title defense query failed", "err", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"ok":    false,
			"error": "stats unavailable",
			"code":  "stats_unavailable",
		})
	}
	return c.JSON(fiber.Map{"ok": true, "code": "title_defenses", "defenders": top})
}
