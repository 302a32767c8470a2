package party

import (
	"math/rand"

	"AuxParty/model"
)

// VotableSetSize 每个回合开放投票的候选歌曲数
const VotableSetSize = 4

// Catalog 会话的歌曲目录
// 持有会话内全部歌曲及其 playing/played/votable 标志和票数，
// 迭代顺序始终是歌单的稳定顺序。只能从会话 actor 内访问。
type Catalog struct {
	tracks []*model.SessionTrack
	rng    *rand.Rand
}

// NewCatalog 创建目录，tracks 需按歌单顺序传入
func NewCatalog(tracks []*model.SessionTrack, rng *rand.Rand) *Catalog {
	return &Catalog{tracks: tracks, rng: rng}
}

// Size 目录内歌曲总数
func (c *Catalog) Size() int {
	return len(c.tracks)
}

// Tracks 全部歌曲（稳定顺序）
func (c *Catalog) Tracks() []*model.SessionTrack {
	return c.tracks
}

// Playing 当前播放的歌曲，会话初始化前为 nil
func (c *Catalog) Playing() *model.SessionTrack {
	for _, t := range c.tracks {
		if t.IsPlaying {
			return t
		}
	}
	return nil
}

// Votable 当前候选集合（稳定顺序）
func (c *Catalog) Votable() []*model.SessionTrack {
	votable := make([]*model.SessionTrack, 0, VotableSetSize)
	for _, t := range c.tracks {
		if t.IsVotable {
			votable = append(votable, t)
		}
	}
	return votable
}

// FindVotable 按外部歌曲ID查找候选歌曲
// 传入的是来路不明的字符串，找不到就返回 nil
func (c *Catalog) FindVotable(spotifyID string) *model.SessionTrack {
	for _, t := range c.tracks {
		if t.IsVotable && t.SpotifyID == spotifyID {
			return t
		}
	}
	return nil
}

// StartFirstRound 初始化首个回合：目录第一首开播，补齐候选集合
// 返回被修改的歌曲，供持久化回写
func (c *Catalog) StartFirstRound() []*model.SessionTrack {
	if len(c.tracks) == 0 {
		return nil
	}
	first := c.tracks[0]
	first.IsPlaying = true

	touched := map[int64]*model.SessionTrack{first.ID: first}
	c.rotateVotable(touched)
	return collect(touched)
}

// Winner 计算当前候选集合的胜者
// 第一首是 0 票基线的临时胜者：要把它挤掉必须拿到严格更多的票，
// 正票数并列时先遇到的那首获胜。候选集合为空时返回 nil。
func (c *Catalog) Winner() *model.SessionTrack {
	votable := c.Votable()
	if len(votable) == 0 {
		return nil
	}

	winner := votable[0]
	maxVotes := 0
	for _, t := range votable {
		if t.Votes > maxVotes {
			winner = t
			maxVotes = t.Votes
		}
	}
	return winner
}

// Rollover 回合滚动：旧播放曲标记已播，候选集合清票清标志，
// 胜者提升为播放曲，再补齐下一轮候选。返回被修改的歌曲。
func (c *Catalog) Rollover(winner *model.SessionTrack) []*model.SessionTrack {
	touched := make(map[int64]*model.SessionTrack)

	if playing := c.Playing(); playing != nil {
		playing.IsPlaying = false
		playing.WasPlayed = true
		touched[playing.ID] = playing
	}

	// 胜者也一并清零重置，再单独提升
	for _, t := range c.Votable() {
		t.IsVotable = false
		t.Votes = 0
		touched[t.ID] = t
	}

	if winner != nil {
		winner.IsPlaying = true
		touched[winner.ID] = winner
	}

	c.rotateVotable(touched)
	return collect(touched)
}

// rotateVotable 从未播过且不在播的歌曲中随机补齐候选集合
// 每次取一首后重新计票；取歌途中池子耗尽时整体回收
//（清掉非播放曲的已播标志）再继续，直到凑满或目录确实不够
func (c *Catalog) rotateVotable(touched map[int64]*model.SessionTrack) {
	for picked := 0; picked < VotableSetSize; picked++ {
		eligible := c.eligible()
		if len(eligible) == 0 {
			c.recycle(touched)
			eligible = c.eligible()
			if len(eligible) == 0 {
				return
			}
		}

		pick := eligible[c.rng.Intn(len(eligible))]
		pick.IsVotable = true
		touched[pick.ID] = pick
	}
}

// eligible 当前可进入候选集合的歌曲
func (c *Catalog) eligible() []*model.SessionTrack {
	pool := make([]*model.SessionTrack, 0, len(c.tracks))
	for _, t := range c.tracks {
		if !t.WasPlayed && !t.IsPlaying && !t.IsVotable {
			pool = append(pool, t)
		}
	}
	return pool
}

// recycle 全目录回收：非播放曲全部重置为未播
func (c *Catalog) recycle(touched map[int64]*model.SessionTrack) {
	for _, t := range c.tracks {
		if !t.IsPlaying && t.WasPlayed {
			t.WasPlayed = false
			touched[t.ID] = t
		}
	}
}

// collect 导出被修改的歌曲，顺序任意（回写按ID逐行更新）
func collect(touched map[int64]*model.SessionTrack) []*model.SessionTrack {
	out := make([]*model.SessionTrack, 0, len(touched))
	for _, t := range touched {
		out = append(out, t)
	}
	return out
}
