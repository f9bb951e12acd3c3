package websocket

import (
	"context"
	"encoding/json"

	"github.com/cristianortiz/liveauction/internal/auction/application"
	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/cristianortiz/liveauction/internal/shared/clock"
	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"github.com/cristianortiz/liveauction/internal/shared/websocket"
	"github.com/gofiber/fiber/v2"
	fws "github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// AuctionWSHandler serves the auction streaming channel and handles the ws
// inbound msgs of the auction module
type AuctionWSHandler struct {
	auctionService application.AuctionService
	hub            *websocket.Hub // shared registry of live connections
	clock          clock.Clock
	unit           decimal.Decimal
}

// NewAuctionWSHandler creates a new instance of AuctionWSHandler. unit is the
// bid increment advertised in the initial state.
func NewAuctionWSHandler(auctionService application.AuctionService, hub *websocket.Hub, clk clock.Clock, unit decimal.Decimal) *AuctionWSHandler {
	return &AuctionWSHandler{
		auctionService: auctionService,
		hub:            hub,
		clock:          clk,
		unit:           unit,
	}
}

// RegisterRoutes mounts GET /ws/auctions/:id. Connections live until ctx is done.
func (h *AuctionWSHandler) RegisterRoutes(ctx context.Context, app fiber.Router) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if fws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/auctions/:id", fws.New(func(conn *fws.Conn) {
		h.Serve(ctx, conn, conn.Params("id"))
	}))
}

// Serve runs one streaming connection: the initial state unless already closed, then one
// server_auction_event per hub event, until the auction closes or the peer
// leaves. It blocks until both pumps are done.
func (h *AuctionWSHandler) Serve(ctx context.Context, conn websocket.Conn, auctionID string) {
	client := websocket.NewClient(h.hub, conn, uuid.NewString(), auctionID)
	writerDone := make(chan struct{})
	go func() {
		client.WritePump(ctx)
		close(writerDone)
	}()

	a, err := h.auctionService.GetAuction(ctx, auctionID)
	if err != nil {
		log.Warn("Websocket connection for unknown auction", zap.String("auctionID", auctionID), zap.Error(err))
		h.sendErrorToClient(client, err)
		client.Finish()
		<-writerDone
		return
	}
	if !h.hub.RegisterClient(client) {
		<-writerDone
		return
	}

	// a closed auction only gets its terminal event
	if a.State != domain.StateClosed {
		h.send(client, newInitialStateMessage(a, h.unit, h.clock.Now()))
	}
	if _, err := h.auctionService.Subscribe(ctx, auctionID, client.ID, &eventSink{client: client}); err != nil {
		h.sendErrorToClient(client, err)
		client.Finish()
	}

	client.ReadPump(ctx)
	h.auctionService.Unsubscribe(auctionID, client.ID)
	<-writerDone
}

// ListenForMessages listens the Hub inbound channel and process every message
func (h *AuctionWSHandler) ListenForMessages(ctx context.Context) {
	log.Info("AuctionWSHandler started listening for inbound messages from hub")
	for {
		select {
		case <-ctx.Done():
			log.Info("AuctionWSHandler stopped listening for inbound messages from hub")
			return
		case msg := <-h.hub.InboundMessages:
			go h.processMessage(ctx, msg.Client, msg.Data)
		}
	}
}

// processMesssage dispatch the message by this type
func (h *AuctionWSHandler) processMessage(ctx context.Context, client *websocket.Client, data []byte) {
	var baseMsg BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		h.sendErrorToClient(client, domain.NewValidationError("message", "invalid message format"))
		return
	}
	switch baseMsg.Type {
	case MessageTypeClientBid:
		h.handleClientBidMessage(ctx, client, data)
	default:
		h.sendErrorToClient(client, domain.NewValidationError("type", "unknown message type"))
	}
}

func (h *AuctionWSHandler) handleClientBidMessage(ctx context.Context, client *websocket.Client, data []byte) {
	var bidMsg ClientBidMessage
	if err := json.Unmarshal(data, &bidMsg); err != nil {
		h.sendErrorToClient(client, domain.NewValidationError("payload", "invalid bid message format"))
		return
	}
	if bidMsg.Payload.AuctionID != "" && bidMsg.Payload.AuctionID != client.Topic {
		h.sendErrorToClient(client, domain.NewValidationError("auctionId", "does not match the connection"))
		return
	}

	receipt, err := h.auctionService.PlaceBid(ctx, application.BidIntent{
		AuctionID: client.Topic,
		BidderID:  bidMsg.Payload.BidderID,
		Amount:    bidMsg.rawAmount(),
	})
	if err != nil {
		h.sendErrorToClient(client, err)
		return
	}

	// the new price reaches every client, this one included, as a hub event
	ack := ServerInfoMessage{BaseMessage: BaseMessage{Type: MessageTypeServerInfo}}
	ack.Payload.Message = "bid accepted"
	ack.Payload.AuctionID = receipt.AuctionID
	ack.Payload.CurrentPrice = receipt.CurrentPrice
	ack.Payload.TotalBids = receipt.TotalBids
	h.send(client, ack)
}

// sendErrorToClient serializes and sends an error msg to a specific client
func (h *AuctionWSHandler) sendErrorToClient(client *websocket.Client, err error) {
	errMsg := ServerErrorMessage{BaseMessage: BaseMessage{Type: MessageTypeServerError}}
	errMsg.Payload.Error = application.ErrorCode(err)
	errMsg.Payload.Message = err.Error()
	if errMsg.Payload.Error == application.CodeInternal {
		log.Error("Unexpected websocket error", zap.String("clientID", client.ID), zap.Error(err))
		errMsg.Payload.Message = "internal server error"
	}
	if minimum, ok := application.MinimumBid(err); ok {
		errMsg.Payload.MinimumBid = minimum
	}
	h.send(client, errMsg)
}

func (h *AuctionWSHandler) send(client *websocket.Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to marshal websocket message", zap.Error(err))
		return
	}
	if !client.TrySend(data) {
		log.Warn("client send channel full or closed, message dropped",
			zap.String("clientID", client.ID),
			zap.String("auctionID", client.Topic))
	}
}

// eventSink adapts a websocket client to broadcast.Sink.
type eventSink struct {
	client *websocket.Client
}

func (s *eventSink) Deliver(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ServerAuctionEventMessage{
		BaseMessage: BaseMessage{Type: MessageTypeServerAuctionEvent},
		Payload:     ev,
	})
	if err != nil {
		return err
	}
	return s.client.Enqueue(ctx, data)
}

// Close ends the stream once the queued events are written.
func (s *eventSink) Close() { s.client.Finish() }
