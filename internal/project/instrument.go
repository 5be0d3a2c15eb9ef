package project

import "strings"

// errorReporterSnippet is injected into the project's HTML entry point so
// the rendered preview forwards uncaught errors back to the controller as
// out-of-band RUNTIME_ERROR messages.
const errorReporterSnippet = `<script>
window.addEventListener('error', function (e) {
  window.parent.postMessage({
    type: 'RUNTIME_ERROR',
    message: e.message,
    stack: e.error && e.error.stack ? e.error.stack : '',
    errorType: e.error && e.error.name ? e.error.name : 'Error'
  }, '*');
});
window.addEventListener('unhandledrejection', function (e) {
  var reason = e.reason || {};
  window.parent.postMessage({
    type: 'RUNTIME_ERROR',
    message: reason.message || String(e.reason),
    stack: reason.stack || '',
    errorType: reason.name || 'UnhandledRejection'
  }, '*');
});
</script>`

// htmlEntryPoints are checked in order for snippet injection.
var htmlEntryPoints = []string{"index.html", "public/index.html", "src/index.html"}

// InjectErrorReporter inserts the error-reporting snippet into the tree's
// HTML entry point, immediately before the closing head tag. Trees without
// an HTML entry point (or already instrumented ones) are left untouched.
func InjectErrorReporter(tree *Tree) bool {
	for _, p := range htmlEntryPoints {
		node := tree.Find(p)
		if node == nil {
			continue
		}
		if strings.Contains(node.Content, "RUNTIME_ERROR") {
			return false // Already instrumented.
		}
		idx := strings.Index(strings.ToLower(node.Content), "</head>")
		if idx < 0 {
			continue
		}
		node.Content = node.Content[:idx] + errorReporterSnippet + "\n" + node.Content[idx:]
		return true
	}
	return false
}
