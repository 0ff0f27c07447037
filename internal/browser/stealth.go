package browser

import "fmt"

// stealthScript hides the usual automation tells before any page script runs.
func stealthScript(vp Viewport) string {
	return fmt.Sprintf(`
Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5], configurable: true });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'], configurable: true });
if (!window.chrome) { window.chrome = {}; }
window.chrome.runtime = {};
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
	parameters.name === 'notifications' ?
		Promise.resolve({ state: Notification.permission }) :
		originalQuery(parameters)
);
Object.defineProperty(screen, 'width', { get: () => %[1]d });
Object.defineProperty(screen, 'height', { get: () => %[2]d });
Object.defineProperty(screen, 'availWidth', { get: () => %[1]d });
Object.defineProperty(screen, 'availHeight', { get: () => %[3]d });
Object.defineProperty(screen, 'colorDepth', { get: () => 24 });
Object.defineProperty(screen, 'pixelDepth', { get: () => 24 });
`, vp.Width, vp.Height, max(vp.Height-40, 0))
}
