package config

import (
	"fmt"
	"sort"
	"strings"

	"dockoreksi/pkg/contract"
)

// 内置模式及其有序标签集合。
var builtinModes = map[string][]string{
	"DMT":     {"KOMISI I", "KOMISI II", "KOMISI III", "KOMISI IV", "Badan Pengurus Harian"},
	"General": {"Surat Resmi", "Laporan", "Artikel", "Pendidikan", "Catatan Pribadi", "Lainnya"},
}

// 模式别名 → 规范名。
var modeAliases = map[string]string{
	"umum": "General",
}

// Modes 返回内置模式与 cfg.Modes 合并后的全集（cfg 覆盖同名内置）。
func Modes(cfg Config) map[string]contract.Mode {
	out := make(map[string]contract.Mode, len(builtinModes)+len(cfg.Modes))
	for name, labels := range builtinModes {
		out[name] = contract.Mode{Name: name, Labels: cloneStrings(labels)}
	}
	for name, labels := range cfg.Modes {
		out[name] = contract.Mode{Name: name, Labels: cloneStrings(labels)}
	}
	return out
}

// ModeNames 返回排序后的模式名。
func ModeNames(cfg Config) []string {
	all := Modes(cfg)
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveMode 按名称（大小写不敏感，支持别名）查找模式。
func ResolveMode(cfg Config, name string) (contract.Mode, error) {
	n := strings.TrimSpace(name)
	if canon, ok := modeAliases[strings.ToLower(n)]; ok {
		n = canon
	}
	all := Modes(cfg)
	if m, ok := all[n]; ok {
		return m, nil
	}
	for k, m := range all {
		if strings.EqualFold(k, n) {
			return m, nil
		}
	}
	return contract.Mode{}, fmt.Errorf("%w: %q (known: %s)", contract.ErrUnknownMode, name, strings.Join(ModeNames(cfg), ", "))
}
