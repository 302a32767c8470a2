package party

import "AuxParty/model"

// Participant 会话内的一名参与者
// 只能从会话 actor 内访问；Vote 指向目录里的候选歌曲，
// 回合滚动时由引擎统一清理，不会悬空
type Participant struct {
	UserID     int64
	Identifier string
	Username   string
	IsHost     bool
	Vote       *model.SessionTrack
}

// ChangeVote 变更参与者的投票
// 语义（与线上前端约定一致，勿动）：
//   - 传入的ID不是当前候选歌曲 → 不生效，静默返回 false
//   - 之前投过别的歌 → 先给旧歌减一票并解除引用
//   - 再点同一首歌 → 撤票（净效果只有上面的减一）
//   - 否则给新歌加一票并记录
//
// 返回 true 表示状态有变化，调用方据此决定是否广播刷新
func ChangeVote(catalog *Catalog, p *Participant, spotifyID string) bool {
	voted := catalog.FindVotable(spotifyID)
	if voted == nil {
		return false
	}

	if p.Vote != nil {
		p.Vote.Votes--
	}

	if p.Vote != voted {
		voted.Votes++
		p.Vote = voted
	} else {
		p.Vote = nil
	}
	return true
}

// ClearVote 参与者离开时的投票清理
// 返回被减票的歌曲，没投过则返回 nil。
// 这是正确性清理：漏掉会让票数和实际投票人数脱节
func ClearVote(p *Participant) *model.SessionTrack {
	if p.Vote == nil {
		return nil
	}
	t := p.Vote
	t.Votes--
	p.Vote = nil
	return t
}
