package http

import (
	"github.com/cristianortiz/liveauction/internal/auction/application"
	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/cristianortiz/liveauction/internal/shared/clock"
	"github.com/cristianortiz/liveauction/internal/shared/httpserver"
	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// AuctionHandler exposes the auction module over REST.
type AuctionHandler struct {
	service application.AuctionService
	clock   clock.Clock
}

// Middlewares are optional per route guards, nil ones are skipped.
type Middlewares struct {
	Auth      fiber.Handler
	RateLimit fiber.Handler
}

func NewAuctionHandler(service application.AuctionService, clk clock.Clock) *AuctionHandler {
	return &AuctionHandler{service: service, clock: clk}
}

// RegisterRoutes mounts the auction routes on r.
func (h *AuctionHandler) RegisterRoutes(r fiber.Router, mw Middlewares) {
	g := r.Group("/auctions")
	g.Get("/", h.ListAuctions)
	g.Post("/", chain(h.CreateAuction, mw.Auth)...)
	g.Get("/:id", h.GetAuction)
	g.Get("/:id/bids", h.GetBids)
	g.Post("/:id/bid", chain(h.PlaceBid, mw.RateLimit, mw.Auth)...)
	g.Post("/:id/subscribe", h.Subscribe)
	g.Post("/:id/unsubscribe", h.Unsubscribe)
	g.Post("/:id/close", chain(h.CloseAuction, mw.Auth)...)
}

func chain(final fiber.Handler, mws ...fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(mws)+1)
	for _, m := range mws {
		if m != nil {
			out = append(out, m)
		}
	}
	return append(out, final)
}

func (h *AuctionHandler) ListAuctions(c *fiber.Ctx) error {
	auctions, err := h.service.ListAuctions(c.UserContext())
	if err != nil {
		log.Error("Failed to list auctions", zap.Error(err))
		return writeError(c, err)
	}
	now := h.clock.Now()
	out := make([]AuctionResponse, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, NewAuctionResponse(a, now))
	}
	return c.JSON(out)
}

func (h *AuctionHandler) GetAuction(c *fiber.Ctx) error {
	a, err := h.service.GetAuction(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(NewAuctionResponse(a, h.clock.Now()))
}

func (h *AuctionHandler) GetBids(c *fiber.Ctx) error {
	bids, err := h.service.GetBids(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(NewBidResponses(bids))
}

func (h *AuctionHandler) CreateAuction(c *fiber.Ctx) error {
	var req CreateAuctionRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, domain.NewValidationError("body", err.Error()))
	}
	a, err := h.service.CreateAuction(c.UserContext(), req.Params())
	if err != nil {
		log.Warn("Create auction rejected", zap.String("title", req.Title), zap.Error(err))
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(NewAuctionResponse(a, h.clock.Now()))
}

// PlaceBid handles POST /auctions/:id/bid.
func (h *AuctionHandler) PlaceBid(c *fiber.Ctx) error {
	var req PlaceBidRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, domain.NewValidationError("body", err.Error()))
	}
	if sub, ok := httpserver.Subject(c); ok && sub != req.BidderID {
		log.Warn("Bidder does not match token subject",
			zap.String("auctionID", c.Params("id")),
			zap.String("bidderID", req.BidderID),
			zap.String("subject", sub))
		return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
			Error:   application.CodeForbidden,
			Message: "bidderId does not match the authenticated user",
		})
	}

	receipt, err := h.service.PlaceBid(c.UserContext(), application.BidIntent{
		AuctionID: c.Params("id"),
		BidderID:  req.BidderID,
		Amount:    req.RawAmount(),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(PlaceBidResponse{
		Success:      true,
		Message:      "bid accepted",
		AuctionID:    receipt.AuctionID,
		CurrentPrice: receipt.CurrentPrice,
		TotalBids:    receipt.TotalBids,
	})
}

// Subscribe routes the auction events to the broker notification topic,
// keyed by subscriberId.
func (h *AuctionHandler) Subscribe(c *fiber.Ctx) error {
	req, err := parseSubscription(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.service.SubscribeNotifications(c.UserContext(), c.Params("id"), req.SubscriberID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(SubscriptionResponse{Subscribed: true})
}

func (h *AuctionHandler) Unsubscribe(c *fiber.Ctx) error {
	req, err := parseSubscription(c)
	if err != nil {
		return writeError(c, err)
	}
	h.service.Unsubscribe(c.Params("id"), req.SubscriberID)
	return c.JSON(SubscriptionResponse{Subscribed: false})
}

func (h *AuctionHandler) CloseAuction(c *fiber.Ctx) error {
	a, err := h.service.CloseAuction(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(NewAuctionResponse(a, h.clock.Now()))
}

func parseSubscription(c *fiber.Ctx) (SubscriptionRequest, error) {
	var req SubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return req, domain.NewValidationError("body", err.Error())
	}
	if req.SubscriberID == "" {
		return req, domain.NewValidationError("subscriberId", "is required")
	}
	return req, nil
}
