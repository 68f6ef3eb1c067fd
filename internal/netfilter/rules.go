// Package netfilter hooks the engine into the host's output path: NFQUEUE
// delivers the original packets and iptables rules route traffic there.
package netfilter

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"firestige.xyz/spooftcp/internal/config"
	"firestige.xyz/spooftcp/internal/core"
)

// Rule is one iptables rule.
type Rule struct {
	Family core.Family
	Table  string
	Chain  string
	Args   []string
}

// String renders the rule the way iptables-save prints it.
func (r Rule) String() string {
	bin := "iptables"
	if r.Family == core.FamilyIPv6 {
		bin = "ip6tables"
	}
	return fmt.Sprintf("%s -t %s -A %s %s", bin, r.Table, r.Chain, strings.Join(r.Args, " "))
}

// BuildRules returns the rules for cfg, per family:
//
//	mangle POSTROUTING: queue TCP not carrying the mark
//	raw OUTPUT:         skip connection tracking for TCP carrying the mark
func BuildRules(cfg config.NetfilterConfig) ([]Rule, error) {
	families, err := cfg.ParsedFamilies()
	if err != nil {
		return nil, err
	}
	mark := fmt.Sprintf("%#x", cfg.Mark)

	queue := []string{"-p", "tcp"}
	if len(cfg.DstPorts) > 0 {
		ports := make([]string, len(cfg.DstPorts))
		for i, p := range cfg.DstPorts {
			ports[i] = strconv.Itoa(p)
		}
		queue = append(queue, "-m", "multiport", "--dports", strings.Join(ports, ","))
	}
	queue = append(queue, "-m", "mark", "!", "--mark", mark, "-j", "NFQUEUE")
	if cfg.QueueCount > 1 {
		queue = append(queue, "--queue-balance", fmt.Sprintf("%d:%d", cfg.QueueStart, cfg.QueueEnd()))
	} else {
		queue = append(queue, "--queue-num", strconv.Itoa(int(cfg.QueueStart)))
	}
	if cfg.FailOpen {
		queue = append(queue, "--queue-bypass")
	}

	notrack := []string{"-p", "tcp", "-m", "mark", "--mark", mark, "-j", "CT", "--notrack"}

	var rules []Rule
	for _, f := range families {
		rules = append(rules,
			Rule{Family: f, Table: "raw", Chain: "OUTPUT", Args: notrack},
			Rule{Family: f, Table: "mangle", Chain: "POSTROUTING", Args: queue},
		)
	}
	return rules, nil
}

// table is the subset of *iptables.IPTables used to manage rules.
type table interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

// Rules installs and removes a rule set.
type Rules struct {
	rules     []Rule
	tables    map[core.Family]table
	installed []Rule
}

// NewRules prepares iptables handles for the families of cfg.
func NewRules(cfg config.NetfilterConfig) (*Rules, error) {
	rules, err := BuildRules(cfg)
	if err != nil {
		return nil, err
	}

	tables := make(map[core.Family]table)
	for _, r := range rules {
		if _, ok := tables[r.Family]; ok {
			continue
		}
		proto := iptables.ProtocolIPv4
		if r.Family == core.FamilyIPv6 {
			proto = iptables.ProtocolIPv6
		}
		ipt, err := iptables.NewWithProtocol(proto)
		if err != nil {
			return nil, fmt.Errorf("init %s iptables: %w", r.Family, err)
		}
		tables[r.Family] = ipt
	}
	return &Rules{rules: rules, tables: tables}, nil
}

// List returns the managed rules.
func (r *Rules) List() []Rule { return r.rules }

// Install inserts every missing rule at the head of its chain. On failure
// the rules inserted so far are removed again.
func (r *Rules) Install() error {
	for _, rule := range r.rules {
		ipt := r.tables[rule.Family]
		exists, err := ipt.Exists(rule.Table, rule.Chain, rule.Args...)
		if err != nil {
			r.rollback()
			return fmt.Errorf("check rule %q: %w", rule, err)
		}
		if exists {
			slog.Debug("rule already present", "rule", rule.String())
			continue
		}
		if err := ipt.Insert(rule.Table, rule.Chain, 1, rule.Args...); err != nil {
			r.rollback()
			return fmt.Errorf("insert rule %q: %w", rule, err)
		}
		r.installed = append(r.installed, rule)
		slog.Info("rule installed", "rule", rule.String())
	}
	return nil
}

// Remove deletes the rules Install inserted, newest first.
func (r *Rules) Remove() error {
	var errs []error
	for i := len(r.installed) - 1; i >= 0; i-- {
		rule := r.installed[i]
		if err := r.tables[rule.Family].Delete(rule.Table, rule.Chain, rule.Args...); err != nil {
			errs = append(errs, fmt.Errorf("delete rule %q: %w", rule, err))
			continue
		}
		slog.Info("rule removed", "rule", rule.String())
	}
	r.installed = nil
	return errors.Join(errs...)
}

func (r *Rules) rollback() {
	if err := r.Remove(); err != nil {
		slog.Warn("rollback of partially installed rules failed", "error", err)
	}
}
