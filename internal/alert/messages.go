package alert

import (
	"fmt"
	"math"
	"strings"

	"oventime/internal/clock"
	"oventime/internal/model"
	"oventime/internal/notification"
)

// Bot replies, in French like the rest of the user-facing text.
const (
	SubscribedText   = "✅ ACTIF: Alerte automatique en cas d'électricité verte abondante 🍃⚡ ou de forte tension sur le réseau 🔥🏭"
	UnsubscribedText = "❌ INACTIF: Alerte automatique en cas d'électricité verte abondante 🍃⚡ ou de forte tension sur le réseau 🔥🏭"
	AtUsageText      = "Veuillez préciser une heure après /at (ex: /at 15:30, /at 9h, /at 2025-03-10T09:00:00Z)"
	NotFoundText     = "Pas encore de diagnostic en cache pour cette heure."
	NoWindowText     = "Pas de fenêtre de prix disponible pour le moment."
	ErrorText        = "Erreur lors de la lecture du diagnostic"
)

// Conclusion is the one-line verdict for a score.
func Conclusion(score float64) string {
	switch {
	case score > 100:
		return "🍃🍃🍃 A FOND! Y a de l'électricité à ne savoir qu'en faire."
	case score > 85:
		return "🟢 VAS-Y : On est large."
	case score > 70:
		return "🟢 CA VA, On tire pas trop sur le gaz."
	case score > 30:
		return "🟠 UN PEU TENDU : C'est pas le pire, mais on tire un peu sur le gaz quand même."
	case score > 0:
		return "🔴 PAS MAINTENANT, Le système est tendu et les centrales gaz tournent à fond."
	}
	return "🔥🔥🔥 PIRE MOMENT! Le système est si tendu qu'on a démarré les centrales les plus polluantes."
}

// EventText is the plain-text announcement for ev.
func EventText(ev Event, score float64) string {
	switch ev {
	case EventHighStart:
		return fmt.Sprintf("🍃⚡ ABONDANCE ⚡🍃\nIl y a un surplus d'électricité décarbonée sur le réseau !\n(Score : %.0f, /m pour plus d'infos)", score)
	case EventLowStart:
		return fmt.Sprintf("🔥🏭 FORTE TENSION 🔥🏭\nL'électricité se fait rare et on a démarré les centrales les plus polluantes !\n(Score : %.0f, /m pour plus d'infos)", score)
	case EventHighEnd:
		return "❌ Fin de la période d'abondance ⚡🍃"
	case EventLowEnd:
		return "✅ Fin de la période de forte tension 🔥🏭"
	}
	return ""
}

// DiagnosticText renders a snapshot as a MarkdownV2 summary.
func DiagnosticText(s model.Snapshot) string {
	direction := "on déstocke"
	if s.Indices.StorageUseRate < 0 {
		direction = "on stocke"
	}

	var b strings.Builder
	b.WriteString("📊 " + bold("Etat du système") + esc(fmt.Sprintf(" à %s (%s)", clock.Local(s.Time), clock.LocalDay(s.Time))) + "\n\n")
	b.WriteString(esc(fmt.Sprintf("🔥 Gaz mobilisé à %s", pct(s.Indices.GasCCGUseRate, 0))) + "\n")
	b.WriteString(esc(fmt.Sprintf("💧 Hydro/Stockage à %s (", pct(s.Indices.StorageUseRate, 0))) + bold(direction) + esc(")") + "\n")
	b.WriteString(esc(fmt.Sprintf("⚛️ Nucléaire à %s de sa dispo", pct(s.Indices.NuclearUseRate, 1))) + "\n")
	b.WriteString("🔎 " + bold(fmt.Sprintf("Score: %.0f", s.Score)) + "\n\n")
	b.WriteString(esc("👉 " + Conclusion(s.Score)))
	return b.String()
}

// WindowText renders the next low-price window as MarkdownV2.
func WindowText(w model.WindowResult) string {
	return esc(fmt.Sprintf("⚡🌱 Bonne fenêtre dans les %dh à venir : 🕒 ", w.EffectiveHorizonHours)) +
		bold(clock.Local(w.Start)) + esc(" à ") + bold(clock.Local(w.End)) + esc(" 🕒") + "\n" +
		esc("👉 Bon moment pour lancer les gros consommateurs d'électricité")
}

func pct(v float64, prec int) string {
	if math.IsNaN(v) {
		return "n/d"
	}
	return fmt.Sprintf("%.*f%%", prec, v*100)
}

func esc(s string) string { return notification.EscapeMarkdown(s) }

func bold(s string) string { return "*" + esc(s) + "*" }
