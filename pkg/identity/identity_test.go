package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
)

func client(id string, mutate func(*models.Client)) *models.Client {
	c := &models.Client{
		ID:         id,
		GivenName:  "Maria",
		FamilyName: "Bonfa'",
		Status:     models.ClientStatusActive,
	}
	if mutate != nil {
		mutate(c)
	}
	return c
}

func TestAreEquivalent(t *testing.T) {
	tests := []struct {
		name     string
		clients  []*models.Client
		expected bool
	}{
		{
			name: "same email and name, absent rest",
			clients: []*models.Client{
				client("a", func(c *models.Client) { c.Email = "maria@example.it" }),
				client("b", func(c *models.Client) { c.Email = "Maria@Example.it " }),
			},
			expected: true,
		},
		{
			name: "name key matches across accent and token order",
			clients: []*models.Client{
				client("a", func(c *models.Client) {
					c.Email = "maria@example.it"
					c.GivenName = "Maria"
					c.FamilyName = "Bonfà"
				}),
				client("b", func(c *models.Client) {
					c.Email = "maria@example.it"
					c.GivenName = "Bonfa"
					c.FamilyName = "Maria"
				}),
			},
			expected: true,
		},
		{
			name: "phone disagreement blocks",
			clients: []*models.Client{
				client("a", func(c *models.Client) { c.Email = "maria@example.it"; c.Phone = "+39 333 111" }),
				client("b", func(c *models.Client) { c.Email = "maria@example.it"; c.Phone = "+39 333 222" }),
			},
			expected: false,
		},
		{
			name: "phone absent on one side does not block",
			clients: []*models.Client{
				client("a", func(c *models.Client) { c.Email = "maria@example.it"; c.Phone = "+39 333 111" }),
				client("b", func(c *models.Client) { c.Email = "maria@example.it" }),
			},
			expected: true,
		},
		{
			name: "birth date disagreement blocks",
			clients: []*models.Client{
				client("a", func(c *models.Client) { c.Email = "maria@example.it"; c.BirthDate = "1960-01-02" }),
				client("b", func(c *models.Client) { c.Email = "maria@example.it"; c.BirthDate = "1960-02-01" }),
			},
			expected: false,
		},
		{
			name: "notes disagreement blocks",
			clients: []*models.Client{
				client("a", func(c *models.Client) { c.Email = "maria@example.it"; c.Notes = "porta occhiali" }),
				client("b", func(c *models.Client) { c.Email = "maria@example.it"; c.Notes = "lenti a contatto" }),
			},
			expected: false,
		},
		{
			name: "email disagreement blocks even with same name",
			clients: []*models.Client{
				client("a", func(c *models.Client) { c.Email = "maria@example.it" }),
				client("b", func(c *models.Client) { c.Email = "m.bonfa@example.it" }),
			},
			expected: false,
		},
		{
			name: "no email anywhere blocks",
			clients: []*models.Client{
				client("a", nil),
				client("b", nil),
			},
			expected: false,
		},
		{
			name:     "single record is never a duplicate group",
			clients:  []*models.Client{client("a", func(c *models.Client) { c.Email = "maria@example.it" })},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AreEquivalent(tt.clients))
		})
	}
}

func TestSelectWinner(t *testing.T) {
	t0 := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("dependent count dominates", func(t *testing.T) {
		a := Ranked{Client: client("a", nil), DependentCount: 0}
		b := Ranked{Client: client("b", nil), DependentCount: 3}
		winner, losers := SelectWinner([]Ranked{a, b})
		assert.Equal(t, "b", winner.Client.ID)
		require.Len(t, losers, 1)
		assert.Equal(t, "a", losers[0].Client.ID)
	})

	t.Run("accented surname breaks count ties", func(t *testing.T) {
		plain := Ranked{Client: client("a", nil)}
		accented := Ranked{Client: client("b", func(c *models.Client) { c.FamilyName = "Bonfà" })}
		winner, _ := SelectWinner([]Ranked{plain, accented})
		assert.Equal(t, "b", winner.Client.ID)
	})

	t.Run("older record wins, missing created_at sorts last", func(t *testing.T) {
		older := Ranked{Client: client("b", func(c *models.Client) { c.CreatedAt = t0 })}
		newer := Ranked{Client: client("a", func(c *models.Client) { c.CreatedAt = t1 })}
		missing := Ranked{Client: client("0", nil)}

		winner, losers := SelectWinner([]Ranked{missing, newer, older})
		assert.Equal(t, "b", winner.Client.ID)
		require.Len(t, losers, 2)
		assert.Equal(t, "0", losers[1].Client.ID)
	})

	t.Run("id breaks final ties", func(t *testing.T) {
		a := Ranked{Client: client("a", func(c *models.Client) { c.CreatedAt = t0 })}
		b := Ranked{Client: client("b", func(c *models.Client) { c.CreatedAt = t0 })}
		winner, _ := SelectWinner([]Ranked{b, a})
		assert.Equal(t, "a", winner.Client.ID)
	})

	t.Run("winner is independent of input order", func(t *testing.T) {
		candidates := []Ranked{
			{Client: client("c", func(c *models.Client) { c.CreatedAt = t1 }), DependentCount: 1},
			{Client: client("a", func(c *models.Client) { c.CreatedAt = t0 }), DependentCount: 1},
			{Client: client("b", func(c *models.Client) { c.FamilyName = "Bonfà" })},
		}
		first, _ := SelectWinner(candidates)

		reversed := []Ranked{candidates[2], candidates[1], candidates[0]}
		second, _ := SelectWinner(reversed)
		assert.Equal(t, first.Client.ID, second.Client.ID)

		// input slices are left untouched
		assert.Equal(t, "c", candidates[0].Client.ID)
	})
}

func TestPreferredSurname(t *testing.T) {
	tests := []struct {
		name       string
		winner     *models.Client
		candidates []*models.Client
		expected   string
	}{
		{
			name:   "existing accent wins verbatim",
			winner: client("a", nil),
			candidates: []*models.Client{
				client("a", nil),
				client("b", func(c *models.Client) { c.FamilyName = "Bonfà" }),
			},
			expected: "Bonfà",
		},
		{
			name:   "repaired apostrophe form is second choice",
			winner: client("a", func(c *models.Client) { c.FamilyName = "Bonfa" }),
			candidates: []*models.Client{
				client("a", func(c *models.Client) { c.FamilyName = "Bonfa" }),
				client("b", nil), // Bonfa'
			},
			expected: "Bonfà",
		},
		{
			name:       "winner's own surname repaired as fallback",
			winner:     client("a", nil), // Bonfa'
			candidates: []*models.Client{client("a", nil)},
			expected:   "Bonfà",
		},
		{
			name:       "nothing to repair leaves surname unchanged",
			winner:     client("a", func(c *models.Client) { c.FamilyName = "Rossi" }),
			candidates: []*models.Client{client("a", func(c *models.Client) { c.FamilyName = "Rossi" })},
			expected:   "Rossi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PreferredSurname(tt.winner, tt.candidates))
		})
	}
}
