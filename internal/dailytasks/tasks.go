// Package dailytasks implements the game's daily activities as pipeline
// kinds. Every activity is opened from the activity list and fought with
// auto-combat; team activities add the invite and accept steps.
package dailytasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/pipeline"
)

// Config tunes how activities look for things on screen.
type Config struct {
	// Assets is the directory holding template images.
	Assets    string
	Threshold float64
	// Poll is the delay between captures while waiting for a target.
	Poll time.Duration
	// Wait bounds how long a step waits for its target to appear.
	Wait time.Duration
	// Combat bounds a single battle.
	Combat time.Duration
	// Invite bounds how long a leader waits for members to join and a member
	// waits for the invitation.
	Invite  time.Duration
	Scrolls int
	// Backs is how many back presses return a failed activity to the main
	// screen.
	Backs int
}

func DefaultConfig() Config {
	return Config{
		Assets:    "assets",
		Threshold: 0.8,
		Poll:      time.Second,
		Wait:      30 * time.Second,
		Combat:    3 * time.Minute,
		Invite:    2 * time.Minute,
		Scrolls:   5,
		Backs:     2,
	}
}

var (
	activityButton = Image("huo_dong.png")
	teamButton     = Image("dui_wu.png")
	joinButton     = Text("参加")
	inviteButton   = Text("邀请")
	confirmButton  = Text("确定")
	acceptButton   = Text("接受")
	autoButton     = Text("自动")
	inBattle       = Text("回合")
	battleOver     = Text("战斗结束")
	taskComplete   = Text("任务完成")
)

type activity struct {
	kind     string
	label    string // entry in the activity list
	timeout  time.Duration
	weekdays []time.Weekday
	teamSize int // zero for solo activities
	rounds   map[pipeline.Role]int
	rewards  map[pipeline.Role]string
}

var activities = []activity{
	{kind: "guild", label: "帮派任务", timeout: 20 * time.Minute,
		rounds: map[pipeline.Role]int{pipeline.RoleSolo: 10}},
	{kind: "sect", label: "师门任务", timeout: 15 * time.Minute,
		rounds: map[pipeline.Role]int{pipeline.RoleSolo: 10}},
	{kind: "treasure_map", label: "宝图任务", timeout: 10 * time.Minute,
		rounds: map[pipeline.Role]int{pipeline.RoleSolo: 10}},
	{kind: "celestial_court", label: "天庭降妖", timeout: 30 * time.Minute, teamSize: 5,
		rounds:  map[pipeline.Role]int{pipeline.RoleLeader: 10, pipeline.RoleMember: 10, pipeline.RoleSolo: 3},
		rewards: map[pipeline.Role]string{pipeline.RoleLeader: "经验*10000", pipeline.RoleMember: "经验*8000"}},
	{kind: "demon_king", label: "三界妖王", teamSize: 5,
		rounds:  map[pipeline.Role]int{pipeline.RoleLeader: 3, pipeline.RoleMember: 3, pipeline.RoleSolo: 1},
		rewards: map[pipeline.Role]string{pipeline.RoleLeader: "妖王宝箱*1", pipeline.RoleMember: "妖王宝箱*1", pipeline.RoleSolo: "小妖宝箱*1"}},
	{kind: "wild_demons", label: "野外封妖", teamSize: 5,
		rounds:  map[pipeline.Role]int{pipeline.RoleLeader: 5, pipeline.RoleMember: 5, pipeline.RoleSolo: 2},
		rewards: map[pipeline.Role]string{pipeline.RoleLeader: "封妖积分*50", pipeline.RoleMember: "封妖积分*40", pipeline.RoleSolo: "封妖积分*20"}},
	{kind: "spirit_monkey", label: "天降灵猴", weekdays: []time.Weekday{time.Monday},
		rounds: map[pipeline.Role]int{pipeline.RoleSolo: 1}},
	{kind: "water_land", label: "水陆大会", teamSize: 5, weekdays: []time.Weekday{time.Tuesday},
		rounds: map[pipeline.Role]int{pipeline.RoleLeader: 3, pipeline.RoleMember: 3, pipeline.RoleSolo: 1}},
	{kind: "love_flower", label: "情花任务", weekdays: []time.Weekday{time.Saturday},
		rounds: map[pipeline.Role]int{pipeline.RoleSolo: 5}},
	{kind: "ring_quest", label: "跑环任务", weekdays: []time.Weekday{time.Saturday},
		rounds: map[pipeline.Role]int{pipeline.RoleSolo: 10}},
}

// Register adds every activity to reg as a pipeline kind.
func Register(reg *pipeline.Registry, cfg Config) error {
	for _, a := range activities {
		if err := reg.Register(a.toKind(cfg)); err != nil {
			return fmt.Errorf("register daily tasks: %w", err)
		}
	}
	return nil
}

// DefaultEntries is the pipeline used when configuration lists no tasks:
// every activity once, in the usual daily order.
func DefaultEntries() []pipeline.Entry {
	entries := make([]pipeline.Entry, len(activities))
	for i, a := range activities {
		entries[i] = pipeline.Entry{Name: a.kind}
	}
	return entries
}

func (a activity) toKind(cfg Config) pipeline.Kind {
	return pipeline.Kind{
		Name:            a.kind,
		Team:            a.teamSize > 1,
		DefaultTeamSize: a.teamSize,
		DefaultTimeout:  a.timeout,
		DefaultWeekdays: a.weekdays,
		Exec:            a.exec(cfg),
	}
}

func (a activity) exec(cfg Config) pipeline.ExecFunc {
	return func(ctx context.Context, env *pipeline.Env) (pipeline.Outcome, error) {
		s, err := newScreen(env, cfg)
		if err != nil {
			return nil, err
		}
		if env.Logger == nil {
			env.Logger = slog.Default()
		}

		switch env.Role {
		case pipeline.RoleLeader:
			err = a.lead(ctx, s)
		case pipeline.RoleMember:
			err = a.follow(ctx, s)
		default:
			err = a.enter(ctx, s)
		}
		if err != nil {
			return nil, a.leave(ctx, s, err)
		}

		rounds, ok := a.rounds[env.Role]
		if !ok {
			rounds = a.rounds[pipeline.RoleSolo]
		}
		n, err := autoCombat(ctx, s, rounds)
		out := pipeline.Outcome{"combat_count": n}
		if err != nil {
			return out, a.leave(ctx, s, err)
		}
		if r := a.rewards[env.Role]; r != "" {
			out["reward"] = r
		}
		env.Logger.Info("activity finished", "combats", n)
		return out, nil
	}
}

// leave backs out of a failed activity so the next one starts from the main
// screen, and returns the original error.
func (a activity) leave(ctx context.Context, s *screen, cause error) error {
	if berr := s.back(ctx, s.cfg.Backs); berr != nil {
		s.env.Logger.Warn("could not leave activity", "error", berr)
	}
	return cause
}

// enter opens the activity from the activity list.
func (a activity) enter(ctx context.Context, s *screen) error {
	if err := s.waitTap(ctx, activityButton, s.cfg.Wait); err != nil {
		return fmt.Errorf("open activities: %w", err)
	}
	if err := s.scrollTo(ctx, Text(a.label), s.cfg.Scrolls); err != nil {
		return fmt.Errorf("find %s: %w", a.label, err)
	}
	if err := s.waitTap(ctx, joinButton, s.cfg.Wait); err != nil {
		return fmt.Errorf("join %s: %w", a.label, err)
	}
	return nil
}

// lead enters the activity, invites every member by name, waits for them
// to join and marks the team ready.
func (a activity) lead(ctx context.Context, s *screen) error {
	env := s.env
	if err := a.enter(ctx, s); err != nil {
		return err
	}
	if err := s.waitTap(ctx, teamButton, s.cfg.Wait); err != nil {
		return fmt.Errorf("open team panel: %w", err)
	}
	for _, m := range env.Team.Members(env.TeamID) {
		if err := invite(ctx, s, m); err != nil {
			return fmt.Errorf("invite %s: %w", m.ID, err)
		}
	}
	if !env.Team.WaitForMembers(ctx, env.TeamID, s.cfg.Invite) {
		if err := ctx.Err(); err != nil {
			return err
		}
		env.Logger.Warn("not every member joined, starting anyway", "team", env.TeamID)
	}
	env.Team.SetTeamReady(env.TeamID)
	return nil
}

func invite(ctx context.Context, s *screen, m client.Handle) error {
	if err := s.waitTap(ctx, inviteButton, s.cfg.Wait); err != nil {
		return err
	}
	name := m.Title
	if name == "" {
		name = m.ID
	}
	if err := s.env.Driver.InputText(ctx, name); err != nil {
		return fmt.Errorf("type name: %w", err)
	}
	if err := s.env.Pacer.Step(ctx); err != nil {
		return err
	}
	return s.waitTap(ctx, confirmButton, s.cfg.Wait)
}

// follow accepts the leader's invitation. The leader drives the activity.
func (a activity) follow(ctx context.Context, s *screen) error {
	if err := s.waitTap(ctx, acceptButton, s.cfg.Invite); err != nil {
		return fmt.Errorf("accept invite: %w", err)
	}
	return nil
}

// autoCombat fights up to rounds battles with auto mode on and returns how
// many finished. It stops early once the activity reports completion.
func autoCombat(ctx context.Context, s *screen, rounds int) (int, error) {
	n := 0
	for n < rounds {
		if _, err := s.waitFor(ctx, inBattle, s.cfg.Wait); err != nil {
			return n, fmt.Errorf("battle %d did not start: %w", n+1, err)
		}
		if _, err := s.tapIf(ctx, autoButton); err != nil {
			return n, err
		}
		if _, err := s.waitFor(ctx, battleOver, s.cfg.Combat); err != nil {
			return n, fmt.Errorf("battle %d did not end: %w", n+1, err)
		}
		n++

		done, err := s.exists(ctx, taskComplete)
		if err != nil {
			return n, err
		}
		if done {
			break
		}
	}
	return n, nil
}
