package tds

import (
	"strings"
)

// ── Inspeção de batches SQL ─────────────────────────────────────────────
//
// Antes de enviar um batch, a sessão inspeciona o texto para detectar
// instruções que alteram o estado da sessão no servidor fora do controle
// do handle:
//
//   - Troca de database:          USE <db>
//   - Transações explícitas:      BEGIN TRAN / COMMIT / ROLLBACK / SAVE TRAN
//   - Transações implícitas:      SET IMPLICIT_TRANSACTIONS ON

// BatchEffect describes the session state a batch may change.
type BatchEffect struct {
	// ChangesDatabase is set when the batch contains a USE statement.
	ChangesDatabase bool
	// Transaction is set when the batch issues its own transaction control,
	// bypassing the handle's transaction stack.
	Transaction bool
	// Reason is the first statement that triggered Transaction.
	Reason string
}

// inspectLimit bounds how much of a batch is scanned.
const inspectLimit = 4096

// InspectBatch scans the statements of text for database and transaction changes.
func InspectBatch(text string) BatchEffect {
	var eff BatchEffect
	if len(text) > inspectLimit {
		text = text[:inspectLimit]
	}

	for _, stmt := range statements(text) {
		upper := strings.ToUpper(stmt)

		if hasPrefix(upper, "USE") {
			eff.ChangesDatabase = true
			continue
		}

		if eff.Transaction {
			continue
		}
		switch {
		case hasPrefix(upper, "BEGIN TRAN"),
			hasPrefix(upper, "BEGIN TRANSACTION"),
			hasPrefix(upper, "BEGIN DISTRIBUTED TRAN"),
			hasPrefix(upper, "BEGIN DISTRIBUTED TRANSACTION"):
			eff.Transaction, eff.Reason = true, "begin"
		case hasPrefix(upper, "COMMIT"):
			eff.Transaction, eff.Reason = true, "commit"
		case hasPrefix(upper, "ROLLBACK"):
			eff.Transaction, eff.Reason = true, "rollback"
		case hasPrefix(upper, "SAVE TRAN"), hasPrefix(upper, "SAVE TRANSACTION"):
			eff.Transaction, eff.Reason = true, "savepoint"
		case hasPrefix(upper, "SET IMPLICIT_TRANSACTIONS ON"):
			eff.Transaction, eff.Reason = true, "implicit_transactions"
		}
	}
	return eff
}

// statements splits text into trimmed statement fragments on ';' and line
// breaks, dropping "--" comments. String literals are not tracked; a keyword
// inside a literal at the start of a line is reported.
func statements(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		for _, frag := range strings.Split(line, ";") {
			if frag = strings.TrimSpace(frag); frag != "" {
				out = append(out, frag)
			}
		}
	}
	return out
}

// hasPrefix verifica se s começa com prefix, respeitando limites de palavras.
func hasPrefix(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) > len(prefix) {
		next := s[len(prefix)]
		return next == ' ' || next == '\t' || next == '\n' || next == '\r' ||
			next == ';' || next == '(' || next == '['
	}
	return true
}
