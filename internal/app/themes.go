package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/rbac"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/themes"
)

// ThemeInput is a facilitator's theme edit. Title and description pass
// through the same normalization as AI proposals; category is strict.
type ThemeInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	ResponseIDs []int64 `json:"response_ids"`
}

func normalizeThemeInput(in ThemeInput) (store.ThemeGroup, error) {
	title := themes.NormalizeTitle(in.Title)
	if title == "" {
		return store.ThemeGroup{}, apperr.Validation("title", "is required")
	}
	category, err := themes.ParseCategory(in.Category)
	if err != nil {
		return store.ThemeGroup{}, err
	}
	return store.ThemeGroup{
		Title:           title,
		Description:     themes.NormalizeDescription(in.Description),
		PrimaryCategory: category,
	}, nil
}

// groupingTx runs fn on the locked session after checking it is in
// grouping.
func (s *Service) groupingTx(ctx context.Context, sessionID string, fn func(tx store.Tx) error) error {
	return s.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if session.Phase != store.PhaseGrouping {
			return notInPhase(session.Phase, store.PhaseGrouping, "themes_locked")
		}
		return fn(tx)
	})
}

func titleTaken(groups []store.ThemeGroup, title string, except int64) bool {
	for _, g := range groups {
		if g.ID != except && strings.EqualFold(g.Title, title) {
			return true
		}
	}
	return false
}

// CreateTheme adds a manual theme group and claims the given unassigned
// responses for it.
func (s *Service) CreateTheme(ctx context.Context, userID, sessionID string, in ThemeInput) (store.ThemeGroup, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return store.ThemeGroup{}, err
	}
	group, err := normalizeThemeInput(in)
	if err != nil {
		return store.ThemeGroup{}, err
	}
	group.SessionID = sessionID

	var created store.ThemeGroup
	err = s.groupingTx(ctx, sessionID, func(tx store.Tx) error {
		groups, err := tx.ListThemeGroups(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list theme groups: %w", err)
		}
		if titleTaken(groups, group.Title, 0) {
			return apperr.Validation("title", "a theme titled %q already exists", group.Title)
		}
		responses, err := tx.ListResponses(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list responses: %w", err)
		}
		participants, err := tx.ListParticipants(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		group.ResponseIDs, group.Contributors, err = claimable(responses, participants, in.ResponseIDs)
		if err != nil {
			return err
		}

		created, err = tx.InsertThemeGroup(ctx, group)
		if err != nil {
			return fmt.Errorf("insert theme group: %w", err)
		}
		for _, id := range group.ResponseIDs {
			ok, err := tx.AssignResponseTheme(ctx, sessionID, id, created.ID)
			if err != nil {
				return fmt.Errorf("assign response theme: %w", err)
			}
			if !ok {
				return apperr.Validation("response_ids", "response %d is already grouped", id)
			}
		}
		return nil
	})
	if err != nil {
		return store.ThemeGroup{}, err
	}
	s.logger.Info("theme created", "session_id", sessionID, "theme_group_id", created.ID)
	return created, nil
}

// claimable validates ids against the session's unassigned responses and
// returns them deduplicated with the display names of their authors.
func claimable(responses []store.Response, participants []store.Participant, ids []int64) ([]int64, []string, error) {
	byID := make(map[int64]store.Response, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}
	names := make(map[string]string, len(participants))
	for _, p := range participants {
		names[p.UserID] = p.DisplayName
	}

	var outIDs []int64
	var contributors []string
	seenID := map[int64]bool{}
	seenName := map[string]bool{}
	for _, id := range ids {
		if seenID[id] {
			continue
		}
		seenID[id] = true
		r, ok := byID[id]
		if !ok {
			return nil, nil, apperr.Validation("response_ids", "response %d is not part of this session", id)
		}
		if r.ThemeGroupID != nil {
			return nil, nil, apperr.Validation("response_ids", "response %d is already grouped", id)
		}
		outIDs = append(outIDs, id)
		name := firstNonBlank(names[r.AuthorID], r.AuthorID)
		if !seenName[name] {
			seenName[name] = true
			contributors = append(contributors, name)
		}
	}
	return outIDs, contributors, nil
}

// UpdateTheme edits title, description and category. The theme becomes a
// manual one.
func (s *Service) UpdateTheme(ctx context.Context, userID, sessionID string, themeID int64, in ThemeInput) (store.ThemeGroup, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return store.ThemeGroup{}, err
	}
	edit, err := normalizeThemeInput(in)
	if err != nil {
		return store.ThemeGroup{}, err
	}

	var updated store.ThemeGroup
	err = s.groupingTx(ctx, sessionID, func(tx store.Tx) error {
		current, err := tx.GetThemeGroup(ctx, themeID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && current.SessionID != sessionID) {
			return apperr.NotFound("theme group", themeID)
		}
		if err != nil {
			return fmt.Errorf("get theme group: %w", err)
		}
		groups, err := tx.ListThemeGroups(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list theme groups: %w", err)
		}
		if titleTaken(groups, edit.Title, themeID) {
			return apperr.Validation("title", "a theme titled %q already exists", edit.Title)
		}
		current.Title = edit.Title
		current.Description = edit.Description
		current.PrimaryCategory = edit.PrimaryCategory
		current.AIGenerated = false
		if err := tx.UpdateThemeGroup(ctx, current); err != nil {
			return fmt.Errorf("update theme group: %w", err)
		}
		updated, err = tx.GetThemeGroup(ctx, themeID)
		return err
	})
	return updated, err
}

// DeleteTheme removes a theme group; its responses become unassigned.
func (s *Service) DeleteTheme(ctx context.Context, userID, sessionID string, themeID int64) error {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return err
	}
	return s.groupingTx(ctx, sessionID, func(tx store.Tx) error {
		err := tx.DeleteThemeGroup(ctx, sessionID, themeID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("theme group", themeID)
		}
		if err != nil {
			return fmt.Errorf("delete theme group: %w", err)
		}
		return nil
	})
}

func (s *Service) ListThemes(ctx context.Context, userID, sessionID string) ([]store.ThemeGroup, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	var groups []store.ThemeGroup
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		groups, err = tx.ListThemeGroups(ctx, sessionID)
		return err
	})
	return groups, err
}
