package party

import "testing"

func votesSum(c *Catalog) int {
	sum := 0
	for _, t := range c.Votable() {
		sum += t.Votes
	}
	return sum
}

func TestChangeVoteToggle(t *testing.T) {
	c := newTestCatalog(10)
	c.StartFirstRound()
	votable := c.Votable()
	p := &Participant{UserID: 7, Username: "alice"}

	if !ChangeVote(c, p, votable[0].SpotifyID) {
		t.Fatal("expected vote to apply")
	}
	if votable[0].Votes != 1 || p.Vote != votable[0] {
		t.Fatalf("expected one vote on track %d", votable[0].ID)
	}

	// 再点同一首 = 撤票
	if !ChangeVote(c, p, votable[0].SpotifyID) {
		t.Fatal("expected toggle to apply")
	}
	if votable[0].Votes != 0 || p.Vote != nil {
		t.Fatalf("expected vote withdrawn, votes=%d", votable[0].Votes)
	}
}

func TestChangeVoteSwitchesTrack(t *testing.T) {
	c := newTestCatalog(10)
	c.StartFirstRound()
	votable := c.Votable()
	p := &Participant{UserID: 7}

	ChangeVote(c, p, votable[0].SpotifyID)
	ChangeVote(c, p, votable[2].SpotifyID)

	if votable[0].Votes != 0 {
		t.Fatalf("old track should lose the vote, got %d", votable[0].Votes)
	}
	if votable[2].Votes != 1 || p.Vote != votable[2] {
		t.Fatal("new track should carry the vote")
	}
	if votesSum(c) != 1 {
		t.Fatalf("one participant, one vote: sum=%d", votesSum(c))
	}
}

func TestChangeVoteUnknownID(t *testing.T) {
	c := newTestCatalog(10)
	c.StartFirstRound()
	p := &Participant{UserID: 7}

	if ChangeVote(c, p, "not-a-track") {
		t.Fatal("unknown id must not apply")
	}
	if ChangeVote(c, p, c.Playing().SpotifyID) {
		t.Fatal("playing track must not be votable")
	}
	if p.Vote != nil || votesSum(c) != 0 {
		t.Fatal("state must be untouched")
	}
}

func TestClearVote(t *testing.T) {
	c := newTestCatalog(10)
	c.StartFirstRound()
	votable := c.Votable()
	p := &Participant{UserID: 7}

	if ClearVote(p) != nil {
		t.Fatal("clearing without a vote should return nil")
	}

	ChangeVote(c, p, votable[1].SpotifyID)
	decremented := ClearVote(p)
	if decremented != votable[1] {
		t.Fatal("expected the voted track back for persistence")
	}
	if votable[1].Votes != 0 || p.Vote != nil {
		t.Fatal("vote should be fully withdrawn")
	}
}

// 任意投票序列下，票数总和始终等于当前持票人数
func TestVoteSumConservation(t *testing.T) {
	c := newTestCatalog(10)
	c.StartFirstRound()
	votable := c.Votable()

	people := []*Participant{
		{UserID: 1}, {UserID: 2}, {UserID: 3}, {UserID: 4},
	}
	sequence := []struct {
		who   int
		track int
	}{
		{0, 0}, {1, 0}, {2, 1}, {0, 0}, {3, 2}, {1, 3}, {2, 1}, {0, 2},
	}

	for _, step := range sequence {
		ChangeVote(c, people[step.who], votable[step.track].SpotifyID)

		holding := 0
		for _, p := range people {
			if p.Vote != nil {
				holding++
			}
		}
		if votesSum(c) != holding {
			t.Fatalf("vote sum %d diverged from holders %d", votesSum(c), holding)
		}
	}
}
