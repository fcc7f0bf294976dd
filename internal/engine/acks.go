package engine

import (
	"fmt"

	"golang.org/x/text/language"
)

// phrases are the fixed replies the loop substitutes for model text.
type phrases struct {
	delegated   string
	working     string
	ack         string
	couldNot    string
	couldNotFmt string // takes the failing tool name
}

var supportedLanguages = []language.Tag{
	language.English,
	language.Spanish,
	language.French,
	language.German,
	language.Portuguese,
}

// Indexed like supportedLanguages.
var phraseTable = []phrases{
	{
		delegated:   "I've handed this off to the team. I'll report back once they deliver.",
		working:     "I'm still working on this and will follow up shortly.",
		ack:         "Got it. I'm on it.",
		couldNot:    "I couldn't complete this step. Please check the task and try again.",
		couldNotFmt: "I couldn't complete this step because the %s tool failed. Please check the task and try again.",
	},
	{
		delegated:   "He delegado esto al equipo. Te informaré cuando entreguen.",
		working:     "Sigo trabajando en esto y te aviso en breve.",
		ack:         "Entendido. Me pongo con ello.",
		couldNot:    "No pude completar este paso. Revisa la tarea e inténtalo de nuevo.",
		couldNotFmt: "No pude completar este paso porque falló la herramienta %s. Revisa la tarea e inténtalo de nuevo.",
	},
	{
		delegated:   "J'ai confié cela à l'équipe. Je reviens vers vous dès qu'ils ont livré.",
		working:     "Je travaille encore dessus et je reviens vers vous rapidement.",
		ack:         "Bien reçu. Je m'en occupe.",
		couldNot:    "Je n'ai pas pu terminer cette étape. Vérifiez la tâche et réessayez.",
		couldNotFmt: "Je n'ai pas pu terminer cette étape car l'outil %s a échoué. Vérifiez la tâche et réessayez.",
	},
	{
		delegated:   "Ich habe das an das Team übergeben und melde mich, sobald es geliefert hat.",
		working:     "Ich arbeite noch daran und melde mich in Kürze.",
		ack:         "Verstanden. Ich kümmere mich darum.",
		couldNot:    "Ich konnte diesen Schritt nicht abschließen. Bitte prüfe die Aufgabe und versuche es erneut.",
		couldNotFmt: "Ich konnte diesen Schritt nicht abschließen, weil das Tool %s fehlgeschlagen ist. Bitte prüfe die Aufgabe und versuche es erneut.",
	},
	{
		delegated:   "Passei isto para a equipe. Aviso assim que entregarem.",
		working:     "Ainda estou trabalhando nisso e retorno em breve.",
		ack:         "Entendido. Estou cuidando disso.",
		couldNot:    "Não consegui concluir esta etapa. Verifique a tarefa e tente novamente.",
		couldNotFmt: "Não consegui concluir esta etapa porque a ferramenta %s falhou. Verifique a tarefa e tente novamente.",
	},
}

var languageMatcher = language.NewMatcher(supportedLanguages)

// phrasesFor picks the closest supported language for a BCP-47 tag.
// Unknown or malformed tags fall back to English.
func phrasesFor(tag string) phrases {
	t, err := language.Parse(tag)
	if err != nil {
		return phraseTable[0]
	}
	_, idx, conf := languageMatcher.Match(t)
	if conf == language.No {
		return phraseTable[0]
	}
	return phraseTable[idx]
}

// languageName is used in the prompt's reply-language line.
func languageName(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return "English"
	}
	_, idx, conf := languageMatcher.Match(t)
	if conf == language.No {
		return "English"
	}
	return [...]string{"English", "Spanish", "French", "German", "Portuguese"}[idx]
}

func (p phrases) couldNotComplete(tool string) string {
	if tool == "" {
		return p.couldNot
	}
	return fmt.Sprintf(p.couldNotFmt, tool)
}
