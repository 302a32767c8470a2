package party

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"AuxParty/cache"
	"AuxParty/config"
	"AuxParty/logger"
	"AuxParty/model"
	"AuxParty/repository"
)

// 派对码字符集，去掉了易混淆的 0/O 和 1/I
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ErrCatalogTooSmall 歌单太短，凑不齐 1 首播放 + 4 首候选
var ErrCatalogTooSmall = errors.New("歌单歌曲不足，无法创建派对")

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("派对会话不存在")

// Playback 回合推进时需要的播放能力
// 由 spotify.PlaybackService 实现；播放失败不阻断回合
type Playback interface {
	Start(ctx context.Context, hostUserID int64, trackSpotifyID string) error
	FetchCandidateTracks(ctx context.Context, hostUserID int64) ([]*model.SessionTrack, error)
}

// Broadcaster 引擎的下行出口
// 由 Hub 实现；测试里换成捕获实现
type Broadcaster interface {
	Broadcast(code string, event *Event)
	ShutdownSession(code string)
}

// Engine 派对会话引擎
// 每个会话一个 actor goroutine，串行消费命令，
// 会话内部状态（目录、成员、回合标志）只在 actor 内读写
type Engine struct {
	repo     repository.SessionRepository
	cache    *cache.SessionCache // 可为 nil（测试环境）
	playback Playback            // 可为 nil（测试环境）
	hub      Broadcaster

	codeLength     int
	minCatalogSize int

	mu       sync.RWMutex
	sessions map[string]*liveSession
	rng      *rand.Rand
}

// liveSession 一个在线会话的 actor
type liveSession struct {
	code   string
	hostID int64

	catalog      *Catalog
	participants map[int64]*Participant
	clients      map[int64]*Client

	initialized       bool
	votingAllowed     bool
	playbackStartedAt *time.Time

	// round 是回合代数：计时器闭包带着调度时的代数回来，
	// 不相等说明回合已被别的路径推进过，直接丢弃
	round      int
	timer      *time.Timer
	terminated bool

	commands chan func()
	done     chan struct{}
}

// NewEngine 创建引擎
func NewEngine(repo repository.SessionRepository, sessionCache *cache.SessionCache, playback Playback, hub Broadcaster, cfg *config.Config) *Engine {
	return &Engine{
		repo:           repo,
		cache:          sessionCache,
		playback:       playback,
		hub:            hub,
		codeLength:     cfg.SessionCodeLength,
		minCatalogSize: cfg.MinCatalogSize,
		sessions:       make(map[string]*liveSession),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ========== 会话生命周期 ==========

// CreateSession 用 host 选中的歌单创建一个新派对会话
// 只建档不开局：首个回合要等 host 在 WebSocket 上发起
func (e *Engine) CreateSession(ctx context.Context, host *model.User) (*model.PartySession, error) {
	if e.playback == nil {
		return nil, errors.New("playback service not configured")
	}

	tracks, err := e.playback.FetchCandidateTracks(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	if len(tracks) < e.minCatalogSize {
		return nil, fmt.Errorf("%w: 至少需要 %d 首，当前 %d 首", ErrCatalogTooSmall, e.minCatalogSize, len(tracks))
	}

	code, err := e.generateUniqueCode(ctx)
	if err != nil {
		return nil, err
	}

	session := &model.PartySession{
		Code:       code,
		HostUserID: host.ID,
	}
	if err := e.repo.CreateSession(ctx, session, tracks); err != nil {
		return nil, err
	}
	if err := e.repo.AddParticipant(ctx, &model.SessionParticipant{
		SessionCode: code,
		UserID:      host.ID,
		IsHost:      true,
	}); err != nil {
		return nil, err
	}

	s := e.newLiveSession(code, host.ID, tracks)
	e.mu.Lock()
	e.sessions[code] = s
	e.mu.Unlock()
	go s.run()

	logger.Info("party session created",
		logger.String("session", code),
		logger.Int64("host", host.ID),
		logger.Int("tracks", len(tracks)))

	return session, nil
}

// newLiveSession 构建 actor（不启动）
func (e *Engine) newLiveSession(code string, hostID int64, tracks []*model.SessionTrack) *liveSession {
	return &liveSession{
		code:         code,
		hostID:       hostID,
		catalog:      NewCatalog(tracks, rand.New(rand.NewSource(time.Now().UnixNano()))),
		participants: make(map[int64]*Participant),
		clients:      make(map[int64]*Client),
		commands:     make(chan func(), 64),
		done:         make(chan struct{}),
	}
}

// generateUniqueCode 生成未被占用的派对码
func (e *Engine) generateUniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		buf := make([]byte, e.codeLength)
		e.mu.Lock()
		for i := range buf {
			buf[i] = codeCharset[e.rng.Intn(len(codeCharset))]
		}
		e.mu.Unlock()
		code := string(buf)

		exists, err := e.repo.SessionExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("生成派对码失败，请重试")
}

// run actor 主循环
func (s *liveSession) run() {
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case <-s.done:
			return
		}
	}
}

// post 向 actor 投递命令；会话已解散时返回 false
func (s *liveSession) post(cmd func()) bool {
	select {
	case s.commands <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// lookup 查找在线会话
func (e *Engine) lookup(code string) *liveSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[code]
}

// resume 进程重启后从数据库恢复会话 actor
// 计时器状态没有持久化，已初始化的会话从当前曲目重新整轮计时
func (e *Engine) resume(ctx context.Context, code string) (*liveSession, error) {
	session, err := e.repo.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	tracks, err := e.repo.GetTracks(ctx, code)
	if err != nil {
		return nil, err
	}

	// 成员的在线投票随进程一起丢了，落库的票数是孤票：
	// 不清掉会虚高计票，而且原投票人再点同一首会被当成新票。
	// 回合时钟反正要从头重走，直接开一个干净的计票
	if session.Initialized {
		touched := make([]*model.SessionTrack, 0, len(tracks))
		for _, t := range tracks {
			if t.Votes != 0 {
				t.Votes = 0
				touched = append(touched, t)
			}
		}
		if err := e.repo.SaveTracks(ctx, touched); err != nil {
			logger.Warn("failed to reset stale votes on resume", logger.ErrorField(err))
		}
		if err := e.repo.ClearParticipantVotes(ctx, code); err != nil {
			logger.Warn("failed to clear participant votes on resume", logger.ErrorField(err))
		}
	}

	s := e.newLiveSession(code, session.HostUserID, tracks)
	s.initialized = session.Initialized
	s.votingAllowed = session.VotingAllowed
	s.playbackStartedAt = session.PlaybackStartedAt

	e.mu.Lock()
	if existing, ok := e.sessions[code]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.sessions[code] = s
	e.mu.Unlock()
	go s.run()

	if s.initialized {
		s.post(func() {
			now := time.Now()
			s.playbackStartedAt = &now
			e.scheduleRound(s)
		})
		logger.Warn("resumed initialized session, restarting round timer",
			logger.String("session", code))
	}
	return s, nil
}

// SessionExists 会话是否存在（在线或落库）
func (e *Engine) SessionExists(ctx context.Context, code string) (bool, error) {
	if e.lookup(code) != nil {
		return true, nil
	}
	return e.repo.SessionExists(ctx, code)
}

// ========== 连接生命周期（ConnectionHandler） ==========

// HandleAttach 客户端接入会话
func (e *Engine) HandleAttach(client *Client) {
	s := e.lookup(client.Code)
	if s == nil {
		restored, err := e.resume(context.Background(), client.Code)
		if err != nil {
			logger.Warn("attach to unknown session",
				logger.String("session", client.Code),
				logger.Int64("user", client.UserID),
				logger.ErrorField(err))
			client.SendEvent(newForceDisconnectEvent())
			e.hub.ShutdownSession(client.Code)
			return
		}
		s = restored
	}

	s.post(func() {
		e.attach(s, client)
	})
}

// attach 在 actor 内完成接入：登记成员、落库、迟到者补状态
func (e *Engine) attach(s *liveSession, client *Client) {
	ctx := context.Background()

	p, ok := s.participants[client.UserID]
	if !ok {
		p = &Participant{
			UserID:     client.UserID,
			Identifier: client.Identifier,
			Username:   client.Username,
			IsHost:     client.UserID == s.hostID,
		}
		s.participants[client.UserID] = p

		row, err := e.repo.GetParticipant(ctx, s.code, client.UserID)
		if err != nil {
			logger.Warn("failed to load participant row", logger.ErrorField(err))
		} else if row == nil {
			if err := e.repo.AddParticipant(ctx, &model.SessionParticipant{
				SessionCode: s.code,
				UserID:      client.UserID,
				IsHost:      p.IsHost,
			}); err != nil {
				logger.Warn("failed to persist participant", logger.ErrorField(err))
			}
		}
	}
	s.clients[client.UserID] = client

	if e.cache != nil {
		if err := e.cache.UpdateUserPresence(ctx, s.code, client.UserID); err != nil {
			logger.Warn("failed to update presence", logger.ErrorField(err))
		}
	}

	// 派对已经开场的话，单播补齐当前回合状态，不打扰其他人
	if s.initialized {
		event := newRoundEvent(EventUserSessionInit, s.catalog.Playing(), s.catalog.Votable(), s.playbackStartedMilli())
		if err := client.SendEvent(event); err != nil {
			logger.Warn("failed to hydrate late joiner",
				logger.String("session", s.code),
				logger.Int64("user", client.UserID),
				logger.ErrorField(err))
		}
	}

	e.writeSnapshot(s)
}

// HandleDetach 客户端断开
// host 离开 = 派对解散；普通成员离开 = 撤票并广播刷新
func (e *Engine) HandleDetach(client *Client) {
	s := e.lookup(client.Code)
	if s == nil {
		return
	}

	s.post(func() {
		// 同一用户的旧连接被顶掉时也会走到这里，
		// 新连接还在就只当换了传输，不做成员清理
		if current, ok := s.clients[client.UserID]; ok && current != client {
			return
		}
		delete(s.clients, client.UserID)

		if client.UserID == s.hostID {
			e.teardown(s)
			return
		}
		e.leave(s, client.UserID)
	})
}

// leave 普通成员离开：撤票、删行、广播刷新
func (e *Engine) leave(s *liveSession, userID int64) {
	ctx := context.Background()

	if p, ok := s.participants[userID]; ok {
		if decremented := ClearVote(p); decremented != nil {
			if err := e.repo.SaveTracks(ctx, []*model.SessionTrack{decremented}); err != nil {
				logger.Warn("failed to persist vote cleanup", logger.ErrorField(err))
			}
		}
		delete(s.participants, userID)
	}

	if err := e.repo.RemoveParticipant(ctx, s.code, userID); err != nil {
		logger.Warn("failed to remove participant", logger.ErrorField(err))
	}
	if e.cache != nil {
		if err := e.cache.RemoveUserPresence(ctx, s.code, userID); err != nil {
			logger.Warn("failed to remove presence", logger.ErrorField(err))
		}
	}

	// 无条件广播：就算该成员没投票，在线名单也变了
	if s.initialized {
		e.hub.Broadcast(s.code, newVotesRefreshEvent(s.catalog.Votable()))
	}
	e.writeSnapshot(s)

	logger.Info("participant left",
		logger.String("session", s.code),
		logger.Int64("user", userID))
}

// teardown 派对解散：广播强制下线、断全部传输、清库清缓存
// 只能从 actor 内调用，调用后 actor 退出
func (e *Engine) teardown(s *liveSession) {
	if s.terminated {
		return
	}
	s.terminated = true

	if s.timer != nil {
		s.timer.Stop()
	}

	e.hub.Broadcast(s.code, newForceDisconnectEvent())
	e.hub.ShutdownSession(s.code)

	ctx := context.Background()
	if err := e.repo.DeleteSession(ctx, s.code); err != nil {
		logger.Error("failed to delete session", logger.String("session", s.code), logger.ErrorField(err))
	}
	if e.cache != nil {
		if err := e.cache.ClearSession(ctx, s.code); err != nil {
			logger.Warn("failed to clear session cache", logger.ErrorField(err))
		}
	}

	e.mu.Lock()
	delete(e.sessions, s.code)
	e.mu.Unlock()
	close(s.done)

	logger.Info("party session torn down", logger.String("session", s.code))
}

// ========== 上行消息（ConnectionHandler） ==========

// 开场指令。其余上行一律按歌曲ID处理
const msgStartSession = "start_party_session"

// HandleMessage 处理上行文本
func (e *Engine) HandleMessage(client *Client, payload string) {
	s := e.lookup(client.Code)
	if s == nil {
		return
	}

	s.post(func() {
		if payload == msgStartSession {
			// 只有 host 能开场，且只能开一次
			if client.UserID == s.hostID && !s.initialized {
				e.startParty(s)
			}
			return
		}
		e.castVote(s, client.UserID, payload)
	})
}

// castVote 处理一次投票
// 回合滚动期间投票窗口关闭，消息静默丢弃；
// 不认识的ID（包括旧客户端的遗留指令）同样丢弃
func (e *Engine) castVote(s *liveSession, userID int64, spotifyID string) {
	if !s.initialized || !s.votingAllowed {
		return
	}
	p, ok := s.participants[userID]
	if !ok {
		return
	}
	if !ChangeVote(s.catalog, p, spotifyID) {
		return
	}

	ctx := context.Background()
	if err := e.repo.SaveTracks(ctx, s.catalog.Votable()); err != nil {
		logger.Warn("failed to persist votes", logger.ErrorField(err))
	}
	var voteID *int64
	if p.Vote != nil {
		voteID = &p.Vote.ID
	}
	if err := e.repo.UpdateParticipantVote(ctx, s.code, userID, voteID); err != nil {
		logger.Warn("failed to persist participant vote", logger.ErrorField(err))
	}

	e.hub.Broadcast(s.code, newVotesRefreshEvent(s.catalog.Votable()))
	e.writeSnapshot(s)
}

// ========== 回合推进 ==========

// startParty 开场：第一首开播、放开投票、全员广播、起回合计时
func (e *Engine) startParty(s *liveSession) {
	touched := s.catalog.StartFirstRound()
	playing := s.catalog.Playing()
	if playing == nil {
		logger.Error("cannot start party with empty catalog", logger.String("session", s.code))
		return
	}

	now := time.Now()
	s.initialized = true
	s.votingAllowed = true
	s.playbackStartedAt = &now

	e.persistRound(s, touched)
	e.startPlayback(s, playing)

	e.hub.Broadcast(s.code, newRoundEvent(EventSessionInit, playing, s.catalog.Votable(), s.playbackStartedMilli()))
	e.writeSnapshot(s)
	e.scheduleRound(s)

	logger.Info("party session started",
		logger.String("session", s.code),
		logger.String("playing", playing.SpotifyID))
}

// scheduleRound 按当前播放曲时长调度下一次回合滚动
func (e *Engine) scheduleRound(s *liveSession) {
	playing := s.catalog.Playing()
	if playing == nil {
		return
	}

	s.round++
	generation := s.round
	duration := time.Duration(playing.DurationMs) * time.Millisecond

	s.timer = time.AfterFunc(duration, func() {
		s.post(func() {
			// 代数不符说明这个计时器已经过期（会话重开或已解散）
			if s.terminated || s.round != generation {
				return
			}
			e.endRound(s)
		})
	})
}

// endRound 回合滚动
// 关闭投票窗口后一次性结算：计票、滚动目录、清空成员投票，
// 再重开窗口广播新回合。窗口关闭期间到达的投票直接丢弃
func (e *Engine) endRound(s *liveSession) {
	s.votingAllowed = false

	winner := s.catalog.Winner()
	touched := s.catalog.Rollover(winner)

	ctx := context.Background()
	for _, p := range s.participants {
		p.Vote = nil
	}
	if err := e.repo.ClearParticipantVotes(ctx, s.code); err != nil {
		logger.Warn("failed to clear participant votes", logger.ErrorField(err))
	}

	now := time.Now()
	s.votingAllowed = true
	s.playbackStartedAt = &now

	e.persistRound(s, touched)

	playing := s.catalog.Playing()
	if playing != nil {
		e.startPlayback(s, playing)
	}

	e.hub.Broadcast(s.code, newRoundEvent(EventSessionRefresh, playing, s.catalog.Votable(), s.playbackStartedMilli()))
	e.writeSnapshot(s)
	e.scheduleRound(s)

	var winnerID string
	if winner != nil {
		winnerID = winner.SpotifyID
	}
	logger.Info("round advanced",
		logger.String("session", s.code),
		logger.String("winner", winnerID))
}

// persistRound 回写会话标志和被修改的歌曲
func (e *Engine) persistRound(s *liveSession, touched []*model.SessionTrack) {
	ctx := context.Background()
	if err := e.repo.UpdateSession(ctx, &model.PartySession{
		Code:              s.code,
		HostUserID:        s.hostID,
		Initialized:       s.initialized,
		VotingAllowed:     s.votingAllowed,
		PlaybackStartedAt: s.playbackStartedAt,
	}); err != nil {
		logger.Warn("failed to persist session state", logger.ErrorField(err))
	}
	if err := e.repo.SaveTracks(ctx, touched); err != nil {
		logger.Warn("failed to persist track state", logger.ErrorField(err))
	}
}

// startPlayback 在 host 的播放设备上起播，失败只记日志不阻断回合
func (e *Engine) startPlayback(s *liveSession, track *model.SessionTrack) {
	if e.playback == nil {
		return
	}
	code, hostID, spotifyID := s.code, s.hostID, track.SpotifyID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.playback.Start(ctx, hostID, spotifyID); err != nil {
			logger.Warn("failed to start playback",
				logger.String("session", code),
				logger.String("track", spotifyID),
				logger.ErrorField(err))
		}
	}()
}

// playbackStartedMilli 下行用的播放开始时间戳（毫秒）
func (s *liveSession) playbackStartedMilli() *int64 {
	if s.playbackStartedAt == nil {
		return nil
	}
	ms := s.playbackStartedAt.UnixMilli()
	return &ms
}

// ========== 状态查询 ==========

// GetSessionInfo 读取会话快照
// 先走缓存，未命中再问 actor，最后落库兜底
func (e *Engine) GetSessionInfo(ctx context.Context, code string) (*model.SessionInfo, error) {
	if e.cache != nil {
		if info, err := e.cache.GetSnapshot(ctx, code); err == nil && info != nil {
			return info, nil
		}
	}

	if s := e.lookup(code); s != nil {
		reply := make(chan *model.SessionInfo, 1)
		posted := s.post(func() {
			reply <- e.buildInfo(s)
		})
		if posted {
			select {
			case info := <-reply:
				return info, nil
			case <-s.done:
				// 查询入队后会话才解散，排队的命令不会再被执行，落库兜底
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	session, err := e.repo.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	tracks, err := e.repo.GetTracks(ctx, code)
	if err != nil {
		return nil, err
	}
	count, err := e.repo.CountParticipants(ctx, code)
	if err != nil {
		return nil, err
	}

	catalog := NewCatalog(tracks, rand.New(rand.NewSource(time.Now().UnixNano())))
	return &model.SessionInfo{
		Code:             code,
		Initialized:      session.Initialized,
		VotingAllowed:    session.VotingAllowed,
		ParticipantCount: int(count),
		PlayingTrack:     catalog.Playing(),
		VotableTracks:    catalog.Votable(),
	}, nil
}

// buildInfo 构建快照（actor 内调用）
func (e *Engine) buildInfo(s *liveSession) *model.SessionInfo {
	return &model.SessionInfo{
		Code:             s.code,
		Initialized:      s.initialized,
		VotingAllowed:    s.votingAllowed,
		ParticipantCount: len(s.participants),
		PlayingTrack:     s.catalog.Playing(),
		VotableTracks:    s.catalog.Votable(),
	}
}

// writeSnapshot 广播后刷新缓存快照，HTTP 查询读缓存即可
func (e *Engine) writeSnapshot(s *liveSession) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetSnapshot(context.Background(), s.code, e.buildInfo(s)); err != nil {
		logger.Warn("failed to write session snapshot", logger.ErrorField(err))
	}
}

// Shutdown 进程退出时解散全部在线会话
func (e *Engine) Shutdown() {
	e.mu.RLock()
	live := make([]*liveSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.RUnlock()

	for _, s := range live {
		s.post(func() {
			e.teardown(s)
		})
	}
}
