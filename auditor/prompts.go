package auditor

import (
	"fmt"
	"strings"
)

func strategistPrompt(scenario, query string, refCount int, history []ChatTurn) string {
	var b strings.Builder
	b.WriteString("You are an expert audit strategist.\n\n")
	fmt.Fprintf(&b, "SCENARIO: %q\nUser query: %q\n\n", scenario, query)
	if len(history) > 0 {
		b.WriteString("Prior conversation:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "- %s: %s\n", turn.Role, turn.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "You have access to %d reference documents.\n\n", refCount)
	b.WriteString("Adopt the expertise the scenario calls for, analyze the reference documents, " +
		"and extract the specific criteria relevant to the query.\n" +
		"Output a JSON list of rule objects with fields rule_id, description and severity (High, Medium or Low).\n\n" +
		"If no reference documents are provided or they are generic, you MUST still generate 5-10 standard " +
		"audit rules for the scenario. Never return an empty list.")
	return b.String()
}

func auditorPrompt(rulesJSON, fileName string) string {
	return fmt.Sprintf("You are an expert auditor.\n\n"+
		"Audit the attached file %q against the following rules:\n%s\n\n"+
		"For each rule decide pass, fail or warning and quote the evidence from the document.\n"+
		"Output a JSON list of finding objects with fields rule_id, description, status, evidence and file_name.\n"+
		"Set file_name to %q in every finding.", fileName, rulesJSON, fileName)
}

func verifierPrompt(findingsJSON string) string {
	return fmt.Sprintf("You are a lead auditor at a regulatory body.\n\n"+
		"Draft findings:\n%s\n\n"+
		"Cross-reference each finding against the attached reference documents and compile a professional "+
		"audit report in Markdown with: an outcome certificate (PASS / FAIL / RISK DETECTED), the audit "+
		"scope and standards used, per-finding detail (rule checked, evidence, reference citation, rationale, "+
		"result) and final recommendations.\n\n"+
		"The input files are already attached; never ask for them. If the findings list is empty, perform a "+
		"general audit from the file contents instead of refusing.\n"+
		"Output only the Markdown report.", findingsJSON)
}
