package reminders

import (
	"strings"

	"pawkeep/internal/types"
)

// TemplateKey identifies one notification text template.
type TemplateKey string

const (
	TemplEventReminder   TemplateKey = "event_reminder"
	TemplFeedingReminder TemplateKey = "feeding_reminder"
	TemplBudgetWarning   TemplateKey = "budget_warning"
	TemplBudgetCritical  TemplateKey = "budget_critical"
)

// template holds the title and body patterns for one key in one language.
// Placeholders are written as {name} and substituted at render time.
type template struct {
	title string
	body  string
}

// No user-facing string literal lives outside this table. Missing languages
// and missing keys both fall back to English so a bad stored preference
// still produces a readable notification.
var templates = map[string]map[TemplateKey]template{
	"en": {
		TemplEventReminder: {
			title: "Upcoming: {event}",
			body:  "{event} for {pet} starts in {minutes} minutes.",
		},
		TemplFeedingReminder: {
			title: "Feeding time soon",
			body:  "{pet} should be fed at {time}.",
		},
		TemplBudgetWarning: {
			title: "Budget warning",
			body:  "You have spent {percent}% of your monthly pet budget ({spent} of {budget} {currency}).",
		},
		TemplBudgetCritical: {
			title: "Budget exceeded",
			body:  "Your monthly pet budget is used up: {percent}% ({spent} of {budget} {currency}).",
		},
	},
	"tr": {
		TemplEventReminder: {
			title: "Yaklaşan: {event}",
			body:  "{pet} için {event} {minutes} dakika içinde başlıyor.",
		},
		TemplFeedingReminder: {
			title: "Mama zamanı yaklaşıyor",
			body:  "{pet} saat {time} itibarıyla beslenmeli.",
		},
		TemplBudgetWarning: {
			title: "Bütçe uyarısı",
			body:  "Aylık evcil hayvan bütçenizin %{percent} kadarını harcadınız ({spent} / {budget} {currency}).",
		},
		TemplBudgetCritical: {
			title: "Bütçe aşıldı",
			body:  "Aylık evcil hayvan bütçeniz tükendi: %{percent} ({spent} / {budget} {currency}).",
		},
	},
}

// Render resolves the template for the given language and key and fills in
// the placeholders. Unknown languages fall back to the default language;
// placeholders without a value are left verbatim.
func Render(lang string, key TemplateKey, vars map[string]string) (string, string) {
	byKey, ok := templates[lang]
	if !ok {
		byKey = templates[types.DefaultLanguage]
	}
	tmpl, ok := byKey[key]
	if !ok {
		tmpl = templates[types.DefaultLanguage][key]
	}

	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(tmpl.title), r.Replace(tmpl.body)
}
