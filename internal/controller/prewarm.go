package controller

import "github.com/jkaninda/ponya/internal/project"

// The pre-warm skeleton is a minimal project whose manifest pins the
// baseline dependency set most uploaded projects use. Installing it once
// warms the package cache so a user's first run does not install from cold.

const baselineManifest = `{
  "name": "ponya-prewarm",
  "private": true,
  "scripts": {
    "dev": "vite"
  },
  "dependencies": {
    "react": "^18.3.1",
    "react-dom": "^18.3.1",
    "react-router-dom": "^6.26.0",
    "axios": "^1.7.0"
  },
  "devDependencies": {
    "@vitejs/plugin-react": "^4.3.0",
    "vite": "^5.4.0"
  }
}
`

const baselineIndexHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <title>ponya prewarm</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.jsx"></script>
  </body>
</html>
`

const baselineMain = `import React from 'react'
import { createRoot } from 'react-dom/client'

createRoot(document.getElementById('root')).render(<p>prewarm</p>)
`

const baselineViteConfig = `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({ plugins: [react()] })
`

// baselineTree builds the fixed pre-warm project skeleton.
func baselineTree() *project.Tree {
	tree := project.NewTree()
	tree.Put("package.json", baselineManifest)
	tree.Put("index.html", baselineIndexHTML)
	tree.Put("vite.config.js", baselineViteConfig)
	tree.Put("src/main.jsx", baselineMain)
	return tree
}
