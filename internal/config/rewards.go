package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed rewards.yaml
var defaultRewards []byte

// MilestoneReward награда за порог активаций
type MilestoneReward struct {
	Milestone int `yaml:"milestone"`
	Reward    int `yaml:"reward"`
}

// Rewards таблица наград реферальной программы
type Rewards struct {
	ActivationReward    int               `yaml:"activationReward"`
	ActivationBonuses   []MilestoneReward `yaml:"activationBonuses"`
	ClaimableMilestones []MilestoneReward `yaml:"claimableMilestones"`
}

// LoadRewards читает таблицу наград; пустой путь означает встроенную таблицу
func LoadRewards(path string) (Rewards, error) {
	raw := defaultRewards
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Rewards{}, fmt.Errorf("ошибка чтения таблицы наград %s: %w", path, err)
		}
		raw = data
	}
	return ParseRewards(raw)
}

// ParseRewards разбирает таблицу наград в формате YAML
func ParseRewards(raw []byte) (Rewards, error) {
	var r Rewards
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return Rewards{}, fmt.Errorf("ошибка разбора таблицы наград: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Rewards{}, err
	}
	return r, nil
}

// Validate проверяет, что пороги положительны и строго возрастают
func (r Rewards) Validate() error {
	if r.ActivationReward < 0 {
		return fmt.Errorf("activationReward не может быть отрицательным")
	}
	for name, list := range map[string][]MilestoneReward{
		"activationBonuses":   r.ActivationBonuses,
		"claimableMilestones": r.ClaimableMilestones,
	} {
		prev := 0
		for _, m := range list {
			if m.Milestone <= prev {
				return fmt.Errorf("%s: пороги должны быть положительными и возрастать (%d)", name, m.Milestone)
			}
			if m.Reward < 0 {
				return fmt.Errorf("%s: отрицательная награда за порог %d", name, m.Milestone)
			}
			prev = m.Milestone
		}
	}
	return nil
}

// ClaimReward возвращает награду за получаемый вручную порог
func (r Rewards) ClaimReward(milestone int) (int, bool) {
	for _, m := range r.ClaimableMilestones {
		if m.Milestone == milestone {
			return m.Reward, true
		}
	}
	return 0, false
}

// Claimable возвращает пороги, доступные при данном числе активаций
func (r Rewards) Claimable(activatedCount int) []int {
	var out []int
	for _, m := range r.ClaimableMilestones {
		if activatedCount >= m.Milestone {
			out = append(out, m.Milestone)
		}
	}
	return out
}

// NextClaimable возвращает ближайший недостигнутый порог или 0
func (r Rewards) NextClaimable(activatedCount int) int {
	for _, m := range r.ClaimableMilestones {
		if activatedCount < m.Milestone {
			return m.Milestone
		}
	}
	return 0
}

// ActivationBonus возвращает бонус за точное достижение порога активаций
func (r Rewards) ActivationBonus(activatedCount int) (MilestoneReward, bool) {
	for _, m := range r.ActivationBonuses {
		if m.Milestone == activatedCount {
			return m, true
		}
	}
	return MilestoneReward{}, false
}
