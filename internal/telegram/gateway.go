package telegram

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/delivery"
	"github.com/OWNER/sm/internal/session"
)

// Gateway runs the chat bridge: a long-poll loop for inbound operator
// messages and a topic map for outbound notifications.
//
// The poll loop is watched by a stall monitor. Long polls against the Bot
// API can hang silently when keepalives defeat the transport timeouts; a
// loop that has not completed a round trip within the stall threshold gets
// its in-flight request cancelled and restarted.
type Gateway struct {
	client   *Client
	registry *session.Registry
	engine   *delivery.Engine
	chatID   int64

	pollTimeout time.Duration
	stallAfter  time.Duration

	mu        sync.Mutex
	topics    map[int]string // thread id -> session id
	threads   map[string]int // session id -> thread id
	offset    int64
	lastRound time.Time
	cancel    context.CancelFunc // cancels the in-flight getUpdates
}

// NewGateway creates a gateway for one operator chat.
func NewGateway(client *Client, registry *session.Registry, engine *delivery.Engine, chatID int64) *Gateway {
	return &Gateway{
		client:      client,
		registry:    registry,
		engine:      engine,
		chatID:      chatID,
		pollTimeout: constants.GatewayPollTimeout,
		stallAfter:  constants.GatewayStallThreshold,
		topics:      make(map[int]string),
		threads:     make(map[string]int),
		lastRound:   time.Now(),
	}
}

// Run polls until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	go g.monitor(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		g.pollOnce(ctx)
	}
}

func (g *Gateway) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, g.pollTimeout+5*time.Second)
	g.mu.Lock()
	g.cancel = cancel
	offset := g.offset
	g.mu.Unlock()
	defer cancel()

	updates, err := g.client.GetUpdates(pollCtx, offset+1, g.pollTimeout)

	g.mu.Lock()
	g.lastRound = time.Now()
	g.cancel = nil
	g.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[telegram] poll: %v", err)
			time.Sleep(2 * time.Second)
		}
		return
	}
	for _, u := range updates {
		g.mu.Lock()
		if u.UpdateID > g.offset {
			g.offset = u.UpdateID
		}
		g.mu.Unlock()
		g.handleUpdate(ctx, u)
	}
}

// monitor restarts a stalled poll by cancelling its request.
func (g *Gateway) monitor(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		g.mu.Lock()
		stalled := time.Since(g.lastRound) > g.stallAfter
		cancel := g.cancel
		g.mu.Unlock()
		if stalled && cancel != nil {
			log.Printf("[telegram] poll loop stalled for over %s; restarting", g.stallAfter)
			cancel()
		}
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, u Update) {
	if u.Message == nil || u.Message.Text == "" || u.Message.Chat.ID != g.chatID {
		return
	}

	sess := g.sessionForThread(u.Message.MessageThreadID)
	if sess == nil {
		log.Printf("[telegram] no session for thread %d; dropping message", u.Message.MessageThreadID)
		return
	}

	from := u.Message.From.Username
	if from == "" {
		from = "operator"
	}
	text := fmt.Sprintf("[sm operator] %s: %s", from, u.Message.Text)
	if _, err := g.engine.Enqueue(delivery.EnqueueRequest{
		TargetID: sess.ID,
		Text:     text,
		Mode:     delivery.ModeSequential,
	}); err != nil {
		log.Printf("[telegram] queuing operator message for %s: %v", sess.ID, err)
		_ = g.client.SendMessage(ctx, g.chatID, u.Message.MessageThreadID,
			fmt.Sprintf("could not deliver to %s: %v", sess.DisplayName(), err))
	}
}

// sessionForThread maps a topic thread to its session: the per-session topic
// map first, then the inherited EM topic.
func (g *Gateway) sessionForThread(threadID int) *session.Session {
	g.mu.Lock()
	id, ok := g.topics[threadID]
	g.mu.Unlock()
	if ok {
		if sess, err := g.registry.Get(id); err == nil && !sess.Stopped() {
			return sess
		}
	}
	if em := g.registry.EMTopic(); em != nil && em.ThreadID == threadID {
		for _, sess := range g.registry.List() {
			if sess.IsEM && !sess.Stopped() {
				return sess
			}
		}
	}
	return nil
}

// Notify sends text into the session's topic, creating it on first use.
// Fail-open: when topics cannot be created (not a forum, missing rights) the
// message goes to the main chat instead of nowhere.
func (g *Gateway) Notify(ctx context.Context, sess *session.Session, text string) error {
	threadID := g.ensureTopic(ctx, sess)
	return g.client.SendMessage(ctx, g.chatID, threadID, text)
}

// NotifySession is the delivery engine's notifier hook: resolve the session
// and send text into its topic. Failures are logged, never surfaced; losing a
// chat mirror must not disturb delivery.
func (g *Gateway) NotifySession(sessionID, text string) {
	sess, err := g.registry.Get(sessionID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.Notify(ctx, sess, text); err != nil {
		log.Printf("[telegram] notifying about %s: %v", sessionID, err)
	}
}

// ensureTopic returns the session's thread id, creating a topic as needed.
//
// EM sessions inherit: the first EM creates the topic and records it in the
// registry; every successor adopts the recorded one, deleting any topic it
// created in the race to check. One management thread per rig, not one per
// EM generation.
func (g *Gateway) ensureTopic(ctx context.Context, sess *session.Session) int {
	g.mu.Lock()
	if id, ok := g.threads[sess.ID]; ok {
		g.mu.Unlock()
		return id
	}
	g.mu.Unlock()

	if sess.IsEM {
		if em := g.registry.EMTopic(); em != nil && em.ChatID == g.chatID {
			g.remember(sess.ID, em.ThreadID)
			return em.ThreadID
		}
	}

	threadID, err := g.client.CreateForumTopic(ctx, g.chatID, sess.DisplayName())
	if err != nil {
		log.Printf("[telegram] creating topic for %s: %v", sess.ID, err)
		return 0
	}

	if sess.IsEM {
		if em := g.registry.EMTopic(); em != nil && em.ChatID == g.chatID {
			// Lost the race; another path recorded a topic first.
			_ = g.client.DeleteForumTopic(ctx, g.chatID, threadID)
			g.remember(sess.ID, em.ThreadID)
			return em.ThreadID
		}
		if err := g.registry.SetEMTopic(&session.EMTopic{ChatID: g.chatID, ThreadID: threadID}); err != nil {
			log.Printf("[telegram] recording EM topic: %v", err)
		}
	}
	g.remember(sess.ID, threadID)
	return threadID
}

func (g *Gateway) remember(sessionID string, threadID int) {
	g.mu.Lock()
	g.topics[threadID] = sessionID
	g.threads[sessionID] = threadID
	g.mu.Unlock()
}
